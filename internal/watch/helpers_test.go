package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/lens/internal/container"
	"github.com/zsiec/lens/internal/jitter"
	"github.com/zsiec/lens/internal/media"
)

// --- transport fakes ---

// fakeGroup is an in-memory group stream fed by tests.
type fakeGroup struct {
	seq    uint64
	frames chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeGroup(seq uint64) *fakeGroup {
	return &fakeGroup{
		seq:    seq,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// publish enqueues a frame with a legacy varint timestamp header.
func (g *fakeGroup) publish(ts time.Duration, payload []byte) {
	buf := container.AppendTimestamp(nil, ts, container.ModeLegacy)
	g.frames <- append(buf, payload...)
}

// publishRaw enqueues a frame body with no header (fmp4 and catalog
// tracks).
func (g *fakeGroup) publishRaw(payload []byte) { g.frames <- payload }

func (g *fakeGroup) finish() { close(g.frames) }

func (g *fakeGroup) Sequence() uint64 { return g.seq }

func (g *fakeGroup) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-g.done:
		return nil, jitter.ErrClosed
	default:
	}
	select {
	case data, ok := <-g.frames:
		if !ok {
			return nil, jitter.ErrClosed
		}
		return data, nil
	case <-g.done:
		return nil, jitter.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *fakeGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
}

// fakeTrackHandle is a subscribed track fed by tests.
type fakeTrackHandle struct {
	name   string
	groups chan jitter.GroupSource

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeTrackHandle(name string) *fakeTrackHandle {
	return &fakeTrackHandle{
		name:   name,
		groups: make(chan jitter.GroupSource, 16),
		done:   make(chan struct{}),
	}
}

func (t *fakeTrackHandle) deliver(g jitter.GroupSource) { t.groups <- g }

func (t *fakeTrackHandle) NextGroup(ctx context.Context) (jitter.GroupSource, error) {
	select {
	case g := <-t.groups:
		return g, nil
	case <-t.done:
		return nil, jitter.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTrackHandle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

func (t *fakeTrackHandle) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeBroadcastSource hands out track handles and records subscriptions.
type fakeBroadcastSource struct {
	mu     sync.Mutex
	tracks map[string][]*fakeTrackHandle
}

func newFakeBroadcastSource() *fakeBroadcastSource {
	return &fakeBroadcastSource{tracks: make(map[string][]*fakeTrackHandle)}
}

func (s *fakeBroadcastSource) Subscribe(ctx context.Context, track string, priority byte) (TrackHandle, error) {
	h := newFakeTrackHandle(track)
	s.mu.Lock()
	s.tracks[track] = append(s.tracks[track], h)
	s.mu.Unlock()
	return h, nil
}

// handle returns the latest subscription for a track name, if any.
func (s *fakeBroadcastSource) handle(track string) *fakeTrackHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.tracks[track]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (s *fakeBroadcastSource) subscriptionCount(track string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks[track])
}

// waitHandle polls until a subscription for track exists.
func (s *fakeBroadcastSource) waitHandle(t *testing.T, track string) *fakeTrackHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.handle(track); h != nil {
			return h
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no subscription for track %q", track)
	return nil
}

// --- decoder fakes ---

// fakeRef implements media.FrameRef.
type fakeRef struct {
	w, h     int
	ts       time.Duration
	released sync.Once
	freed    chan struct{}
}

func newFakeRef(w, h int, ts time.Duration) *fakeRef {
	return &fakeRef{w: w, h: h, ts: ts, freed: make(chan struct{})}
}

func (f *fakeRef) Release()                 { f.released.Do(func() { close(f.freed) }) }
func (f *fakeRef) Width() int               { return f.w }
func (f *fakeRef) Height() int              { return f.h }
func (f *fakeRef) Timestamp() time.Duration { return f.ts }

// fakeVideoDecoder passes chunks straight through as decoded frames
// sized from its configuration.
type fakeVideoDecoder struct {
	cfg     VideoDecoderConfig
	output  func(media.FrameRef)
	onError func(error)

	mu   sync.Mutex
	fail error
}

func (d *fakeVideoDecoder) Decode(c Chunk) error {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		d.onError(fail)
		return nil
	}
	d.output(newFakeRef(d.cfg.CodedWidth, d.cfg.CodedHeight, c.Timestamp))
	return nil
}

func (d *fakeVideoDecoder) Close() {}

func (d *fakeVideoDecoder) failWith(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// fakeAudioDecoder emits one PCM span per chunk.
type fakeAudioDecoder struct {
	cfg    AudioDecoderConfig
	output func(AudioData)
}

func (d *fakeAudioDecoder) Decode(c Chunk) error {
	d.output(AudioData{
		Timestamp:        c.Timestamp,
		SampleRate:       d.cfg.SampleRate,
		NumberOfChannels: d.cfg.NumberOfChannels,
		PCM:              make([]float32, 96*d.cfg.NumberOfChannels),
	})
	return nil
}

func (d *fakeAudioDecoder) Close() {}

// fakeFactory is a DecoderFactory with a configurable support set.
type fakeFactory struct {
	mu          sync.Mutex
	unsupported map[string]bool
	video       []*fakeVideoDecoder
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{unsupported: make(map[string]bool)}
}

func (f *fakeFactory) refuse(codec string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsupported[codec] = true
}

func (f *fakeFactory) SupportsVideo(cfg VideoDecoderConfig) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unsupported[cfg.Codec]
}

func (f *fakeFactory) NewVideoDecoder(cfg VideoDecoderConfig, output func(media.FrameRef), onError func(error)) (VideoDecoder, error) {
	if !f.SupportsVideo(cfg) {
		return nil, errors.New("unsupported")
	}
	d := &fakeVideoDecoder{cfg: cfg, output: output, onError: onError}
	f.mu.Lock()
	f.video = append(f.video, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) lastVideoDecoder() *fakeVideoDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.video) == 0 {
		return nil
	}
	return f.video[len(f.video)-1]
}

func (f *fakeFactory) SupportsAudio(cfg AudioDecoderConfig) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unsupported[cfg.Codec]
}

func (f *fakeFactory) NewAudioDecoder(cfg AudioDecoderConfig, output func(AudioData), onError func(error)) (AudioDecoder, error) {
	if !f.SupportsAudio(cfg) {
		return nil, errors.New("unsupported")
	}
	return &fakeAudioDecoder{cfg: cfg, output: output}, nil
}

// fakeRenderer records written PCM spans.
type fakeRenderer struct {
	mu     sync.Mutex
	writes []AudioData
}

func (r *fakeRenderer) Write(ctx context.Context, data AudioData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, data)
	return nil
}

func (r *fakeRenderer) Close() {}

func (r *fakeRenderer) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

// waitFor polls cond until true or the deadline budget is spent.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
