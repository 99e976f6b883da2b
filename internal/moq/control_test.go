package moq

import (
	"bytes"
	"testing"
)

func TestControlMsgRoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte{0x01, 0x02, 0x03}

	var buf bytes.Buffer
	if err := WriteControlMsg(&buf, MsgSubscribe, payload); err != nil {
		t.Fatalf("WriteControlMsg: %v", err)
	}

	msgType, got, err := ReadControlMsg(&buf)
	if err != nil {
		t.Fatalf("ReadControlMsg: %v", err)
	}
	if msgType != MsgSubscribe {
		t.Errorf("type: got 0x%x, want 0x%x", msgType, MsgSubscribe)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: got %x, want %x", got, payload)
	}
}

func TestControlMsgEmptyPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteControlMsg(&buf, MsgGoAway, nil); err != nil {
		t.Fatalf("WriteControlMsg: %v", err)
	}

	msgType, payload, err := ReadControlMsg(&buf)
	if err != nil {
		t.Fatalf("ReadControlMsg: %v", err)
	}
	if msgType != MsgGoAway {
		t.Errorf("type: got 0x%x", msgType)
	}
	if len(payload) != 0 {
		t.Errorf("payload should be empty, got %x", payload)
	}
}

func TestControlMsgTruncated(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteControlMsg(&buf, MsgSubscribe, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteControlMsg: %v", err)
	}
	data := buf.Bytes()

	for cut := 1; cut < len(data); cut++ {
		if _, _, err := ReadControlMsg(bytes.NewReader(data[:cut])); err == nil {
			t.Errorf("truncation at %d bytes should fail", cut)
		}
	}
}

func TestClientSetupRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []ClientSetup{
		{Versions: []uint64{Version}},
		{Versions: []uint64{Version, 0xff00000e}, Path: "live/alice", HasPath: true},
	}

	for _, cs := range cases {
		parsed, err := ParseClientSetup(SerializeClientSetup(cs))
		if err != nil {
			t.Fatalf("ParseClientSetup: %v", err)
		}
		if len(parsed.Versions) != len(cs.Versions) {
			t.Errorf("versions: got %v, want %v", parsed.Versions, cs.Versions)
		}
		if parsed.HasPath != cs.HasPath || parsed.Path != cs.Path {
			t.Errorf("path: got %q/%v, want %q/%v", parsed.Path, parsed.HasPath, cs.Path, cs.HasPath)
		}
	}
}

func TestServerSetupRoundTrip(t *testing.T) {
	t.Parallel()
	ss := ServerSetup{SelectedVersion: Version, MaxRequestID: 100}
	parsed, err := ParseServerSetup(SerializeServerSetup(ss))
	if err != nil {
		t.Fatalf("ParseServerSetup: %v", err)
	}
	if parsed.SelectedVersion != Version {
		t.Errorf("version: got 0x%x", parsed.SelectedVersion)
	}
	if parsed.MaxRequestID != 100 {
		t.Errorf("max request id: got %d", parsed.MaxRequestID)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	t.Parallel()
	sub := Subscribe{
		ID:        7,
		Broadcast: "live/alice",
		Track:     "video/hd",
		Priority:  1,
	}

	parsed, err := ParseSubscribe(SerializeSubscribe(sub))
	if err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}
	if parsed != sub {
		t.Errorf("round trip: got %+v, want %+v", parsed, sub)
	}
}

func TestSubscribeOKRoundTrip(t *testing.T) {
	t.Parallel()
	sok := SubscribeOK{ID: 3, Priority: 2}
	parsed, err := ParseSubscribeOK(SerializeSubscribeOK(sok))
	if err != nil {
		t.Fatalf("ParseSubscribeOK: %v", err)
	}
	if parsed != sok {
		t.Errorf("round trip: got %+v, want %+v", parsed, sok)
	}
}

func TestSubscribeErrorRoundTrip(t *testing.T) {
	t.Parallel()
	se := SubscribeError{ID: 9, ErrorCode: 404, ReasonPhrase: "unknown track"}
	parsed, err := ParseSubscribeError(SerializeSubscribeError(se))
	if err != nil {
		t.Fatalf("ParseSubscribeError: %v", err)
	}
	if parsed != se {
		t.Errorf("round trip: got %+v, want %+v", parsed, se)
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	t.Parallel()
	for _, a := range []Announce{
		{Path: "alice", Active: true},
		{Path: "bob/studio", Active: false},
	} {
		parsed, err := ParseAnnounce(SerializeAnnounce(a))
		if err != nil {
			t.Fatalf("ParseAnnounce: %v", err)
		}
		if parsed != a {
			t.Errorf("round trip: got %+v, want %+v", parsed, a)
		}
	}
}

func TestAnnouncePleaseRoundTrip(t *testing.T) {
	t.Parallel()
	ap := AnnouncePlease{Prefix: "live/"}
	parsed, err := ParseAnnouncePlease(SerializeAnnouncePlease(ap))
	if err != nil {
		t.Fatalf("ParseAnnouncePlease: %v", err)
	}
	if parsed != ap {
		t.Errorf("round trip: got %+v, want %+v", parsed, ap)
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	t.Parallel()
	parsed, err := ParseUnsubscribe(SerializeUnsubscribe(Unsubscribe{ID: 42}))
	if err != nil {
		t.Fatalf("ParseUnsubscribe: %v", err)
	}
	if parsed.ID != 42 {
		t.Errorf("id: got %d, want 42", parsed.ID)
	}
}

func TestGoAwayRoundTrip(t *testing.T) {
	t.Parallel()
	ga := GoAway{NewSessionURI: "moq://other.relay:4443/"}
	parsed, err := ParseGoAway(SerializeGoAway(ga))
	if err != nil {
		t.Fatalf("ParseGoAway: %v", err)
	}
	if parsed != ga {
		t.Errorf("round trip: got %+v, want %+v", parsed, ga)
	}
}

func TestParseRejectsTruncatedPayloads(t *testing.T) {
	t.Parallel()
	full := SerializeSubscribe(Subscribe{ID: 1, Broadcast: "b", Track: "t", Priority: 0})
	for cut := 0; cut < len(full); cut++ {
		if _, err := ParseSubscribe(full[:cut]); err == nil {
			t.Errorf("ParseSubscribe should fail at %d bytes", cut)
		}
	}
}

func FuzzParseSubscribe(f *testing.F) {
	f.Add(SerializeSubscribe(Subscribe{ID: 1, Broadcast: "live/x", Track: "video", Priority: 1}))
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic; errors are fine.
		_, _ = ParseSubscribe(data)
	})
}

func FuzzParseAnnounce(f *testing.F) {
	f.Add(SerializeAnnounce(Announce{Path: "a", Active: true}))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ParseAnnounce(data)
	})
}
