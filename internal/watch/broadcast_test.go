package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/lens/internal/moq"
	"github.com/zsiec/lens/internal/reactive"
)

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	status *reactive.Signal[moq.Status]

	mu        sync.Mutex
	sources   map[string]*fakeBroadcastSource
	announces chan moq.Announce
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		status:    reactive.NewSignal(moq.StatusConnecting),
		sources:   make(map[string]*fakeBroadcastSource),
		announces: make(chan moq.Announce, 16),
	}
}

func (t *fakeTransport) Status() *reactive.Signal[moq.Status] { return t.status }

func (t *fakeTransport) Consume(path string) BroadcastSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sources[path]; ok {
		return s
	}
	s := newFakeBroadcastSource()
	t.sources[path] = s
	return s
}

func (t *fakeTransport) source(path string) *fakeBroadcastSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sources[path]
}

func (t *fakeTransport) Announced(prefix string) (AnnounceSource, error) {
	return &fakeAnnounceSource{ch: t.announces}, nil
}

type fakeAnnounceSource struct {
	ch chan moq.Announce
}

func (a *fakeAnnounceSource) Next(ctx context.Context) (moq.Announce, error) {
	select {
	case ann := <-a.ch:
		return ann, nil
	case <-ctx.Done():
		return moq.Announce{}, ctx.Err()
	}
}

func (a *fakeAnnounceSource) Close() {}

const catalogJSON = `{
	"video": {
		"renditions": {
			"hd": {"codec": "avc1.64001f", "codedWidth": 1280, "codedHeight": 720}
		},
		"priority": 1
	}
}`

// publishCatalog delivers one catalog replacement on the well-known
// track.
func publishCatalog(t *testing.T, source *fakeBroadcastSource, doc string) {
	t.Helper()
	handle := source.waitHandle(t, "catalog.json")
	g := newFakeGroup(0)
	handle.deliver(g)
	g.publishRaw([]byte(doc))
	g.finish()
}

func newTestBroadcast(t *testing.T, transport *fakeTransport, cfg Config) *Broadcast {
	t.Helper()
	if cfg.Decoders == nil {
		cfg.Decoders = newFakeFactory()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = &fakeRenderer{}
	}
	b := NewBroadcast(context.Background(), transport, "live/alice", cfg)
	t.Cleanup(b.Close)
	return b
}

func TestBroadcastOpensWhenConnected(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	b := newTestBroadcast(t, transport, Config{})

	// Still connecting: no sources yet.
	if b.Video().Peek() != nil {
		t.Fatal("video source before connect")
	}

	transport.status.Set(moq.StatusConnected)
	waitFor(t, func() bool { return b.Video().Peek() != nil })
	waitFor(t, func() bool { return b.Audio().Peek() != nil })

	// The catalog flows into the sources and drives a subscription.
	publishCatalog(t, transport.source("live/alice"), catalogJSON)
	waitFor(t, func() bool { return b.Catalog().Peek() != nil })
	transport.source("live/alice").waitHandle(t, "hd")
}

func TestBroadcastDisableTearsDown(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	enabled := reactive.NewSignal(true)
	b := newTestBroadcast(t, transport, Config{Enabled: enabled})

	transport.status.Set(moq.StatusConnected)
	waitFor(t, func() bool { return b.Video().Peek() != nil })
	video := b.Video().Peek()

	enabled.Set(false)
	waitFor(t, func() bool { return b.Video().Peek() == nil })
	waitFor(t, func() bool { return b.Audio().Peek() == nil })

	// The old source is fully closed: its frame signal is cleared.
	waitFor(t, func() bool { return video.CurrentFrame().Peek() == nil })

	// Re-enabling builds fresh sources.
	enabled.Set(true)
	waitFor(t, func() bool { return b.Video().Peek() != nil && b.Video().Peek() != video })
}

func TestBroadcastDisconnectTearsDown(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	b := newTestBroadcast(t, transport, Config{})

	transport.status.Set(moq.StatusConnected)
	waitFor(t, func() bool { return b.Video().Peek() != nil })

	transport.status.Set(moq.StatusDisconnected)
	waitFor(t, func() bool { return b.Video().Peek() == nil })
}

func TestBroadcastReloadWaitsForAnnounce(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	b := newTestBroadcast(t, transport, Config{Reload: true})

	transport.status.Set(moq.StatusConnected)

	// Connected but not yet announced active: stays closed.
	time.Sleep(30 * time.Millisecond)
	if b.Video().Peek() != nil {
		t.Fatal("broadcast opened before announce")
	}

	transport.announces <- moq.Announce{Path: "", Active: true}
	waitFor(t, func() bool { return b.Video().Peek() != nil })

	// Going inactive closes it again.
	transport.announces <- moq.Announce{Path: "", Active: false}
	waitFor(t, func() bool { return b.Video().Peek() == nil })
}

func TestBroadcastCloseIdempotent(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	b := newTestBroadcast(t, transport, Config{})

	transport.status.Set(moq.StatusConnected)
	waitFor(t, func() bool { return b.Video().Peek() != nil })
	video := b.Video().Peek()

	b.Close()
	b.Close()

	if b.Video().Peek() != nil || b.Audio().Peek() != nil {
		t.Error("sources should be nil after close")
	}
	waitFor(t, func() bool { return video.CurrentFrame().Peek() == nil })
}
