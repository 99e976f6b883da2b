package moq

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

// buildGroupFrames serializes frames as they appear on a group stream
// after the header: each frame is a varint length followed by its body.
func buildGroupFrames(frames ...[]byte) []byte {
	var buf []byte
	for _, f := range frames {
		buf = quicvarint.Append(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

func TestGroupReadFrames(t *testing.T) {
	t.Parallel()
	wire := buildGroupFrames([]byte("keyframe"), []byte("delta1"), []byte{})
	g := NewGroupReader(5, bufio.NewReader(bytes.NewReader(wire)))

	if g.Sequence() != 5 {
		t.Fatalf("sequence: got %d, want 5", g.Sequence())
	}

	ctx := context.Background()
	for i, want := range [][]byte{[]byte("keyframe"), []byte("delta1"), {}} {
		got, err := g.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %q, want %q", i, got, want)
		}
	}

	if _, err := g.ReadFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("end of group: got %v, want ErrClosed", err)
	}
}

func TestGroupReadAfterClose(t *testing.T) {
	t.Parallel()
	wire := buildGroupFrames([]byte("frame"))
	g := NewGroupReader(0, bufio.NewReader(bytes.NewReader(wire)))

	g.Close()
	g.Close() // idempotent

	if _, err := g.ReadFrame(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: got %v, want ErrClosed", err)
	}
}

func TestGroupTruncatedFrame(t *testing.T) {
	t.Parallel()
	wire := buildGroupFrames([]byte("complete"))
	wire = append(wire, quicvarint.Append(nil, 100)...) // length with no body
	g := NewGroupReader(0, bufio.NewReader(bytes.NewReader(wire)))

	ctx := context.Background()
	if _, err := g.ReadFrame(ctx); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := g.ReadFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("truncated frame: got %v, want ErrClosed", err)
	}
}

func TestGroupOversizedFrameRejected(t *testing.T) {
	t.Parallel()
	wire := quicvarint.Append(nil, maxFrameSize+1)
	g := NewGroupReader(0, bufio.NewReader(bytes.NewReader(wire)))

	_, err := g.ReadFrame(context.Background())
	if err == nil || errors.Is(err, ErrClosed) {
		t.Fatalf("oversized frame: got %v, want hard error", err)
	}
}

func TestGroupContextCancelled(t *testing.T) {
	t.Parallel()
	g := NewGroupReader(0, bufio.NewReader(bytes.NewReader(nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled read: got %v", err)
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		addr    string
		path    string
		wantErr bool
	}{
		{"moq://relay.example:4443/live/alice", "relay.example:4443", "live/alice", false},
		{"moq://relay.example/", "relay.example:4443", "", false},
		{"https://relay.example:443/x", "relay.example:443", "x", false},
		{"ftp://relay.example/", "", "", true},
	}

	for _, tc := range cases {
		addr, path, err := resolveURL(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.raw, err)
			continue
		}
		if addr != tc.addr || path != tc.path {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tc.raw, addr, path, tc.addr, tc.path)
		}
	}
}
