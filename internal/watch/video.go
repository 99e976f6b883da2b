package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/lens/internal/assembly"
	"github.com/zsiec/lens/internal/catalog"
	"github.com/zsiec/lens/internal/container"
	"github.com/zsiec/lens/internal/jitter"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/reactive"
)

// BufferStatus reports whether the source has produced any picture yet.
type BufferStatus int

const (
	BufferEmpty BufferStatus = iota
	BufferFilled
)

// SyncState reports whether presentation is keeping up with the stream.
type SyncState int

const (
	SyncReady SyncState = iota
	SyncWait
)

// SyncStatus carries the sync state and, while waiting, the buffered
// duration that must drain before playback resumes.
type SyncStatus struct {
	State    SyncState
	Buffered time.Duration
}

// VideoStats is the per-source delivery counter set.
type VideoStats struct {
	FrameCount    uint64
	Timestamp     time.Duration
	BytesReceived int64
}

// syncWaitThreshold is how far ahead of schedule a decoded frame must be
// before the source reports a sync wait instead of a short sleep.
const syncWaitThreshold = 200 * time.Millisecond

// videoTrackPriority is the default subscription priority for video
// tracks, used when the catalog priority for the rendition resolves to
// zero.
const videoTrackPriority = 1

// VideoSourceConfig holds the collaborators of a VideoSource.
type VideoSourceConfig struct {
	Broadcast BroadcastSource
	Catalog   *reactive.Signal[*catalog.Root]
	Latency   *reactive.Signal[time.Duration]
	Target    *reactive.Signal[VideoTarget]
	Decoders  DecoderFactory

	// NewElement enables the container-assembly path; nil rules fmp4
	// renditions out of the eligible set.
	NewElement ElementFactory

	Log *slog.Logger
}

// videoSub is one running subscription: pending until it catches up,
// then active until replaced or failed.
type videoSub struct {
	name     string
	cfg      catalog.VideoConfig
	priority byte

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (sub *videoSub) stop() { sub.stopOnce.Do(sub.cancel) }

// VideoSource selects a rendition, runs one decode path for it, and
// exposes the rendered picture and status as signals. Rendition changes
// start a pending subscription that replaces the active one only after
// it has caught up, so the picture never goes blank during a switch.
type VideoSource struct {
	log *slog.Logger
	cfg VideoSourceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	currentFrame *reactive.Signal[media.FrameRef]
	display      *reactive.Signal[media.Display]
	bufferStatus *reactive.Signal[BufferStatus]
	syncStatus   *reactive.Signal[SyncStatus]
	stats        *reactive.Signal[VideoStats]
	lastErr      *reactive.Signal[error]

	// failed holds renditions ruled out by capability or decoder failure;
	// restarts forces re-selection after an active subscription dies.
	failed   *reactive.Signal[map[string]bool]
	restarts *reactive.Signal[uint64]

	// pipeline is the shared container-assembly pipeline, exposed to the
	// audio source as read-only state.
	pipeline    *reactive.Signal[*assembly.Pipeline]
	pipelineFor string

	mu      sync.Mutex
	active  *videoSub
	pending *videoSub

	frameMu     sync.Mutex
	ownsCurrent bool

	frameCount atomic.Uint64
	selection  *reactive.Effect
}

// NewVideoSource creates the source and starts its selection effect.
func NewVideoSource(ctx context.Context, cfg VideoSourceConfig) *VideoSource {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &VideoSource{
		log:          log.With("component", "video-source"),
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		currentFrame: reactive.NewSignal[media.FrameRef](nil),
		display:      reactive.NewSignal(media.Display{}),
		bufferStatus: reactive.NewSignal(BufferEmpty),
		syncStatus:   reactive.NewSignal(SyncStatus{State: SyncReady}),
		stats:        reactive.NewSignal(VideoStats{}),
		lastErr:      reactive.NewSignal[error](nil),
		failed:       reactive.NewSignal(map[string]bool{}),
		restarts:     reactive.NewSignal(uint64(0)),
		pipeline:     reactive.NewSignal[*assembly.Pipeline](nil),
	}

	s.selection = reactive.Run(ctx, s.selectRendition)
	return s
}

// CurrentFrame is the latest rendered picture.
func (s *VideoSource) CurrentFrame() *reactive.Signal[media.FrameRef] { return s.currentFrame }

// Display is the presentation size, from the catalog until the stream
// reports its own.
func (s *VideoSource) Display() *reactive.Signal[media.Display] { return s.display }

// BufferStatus reports empty until the first picture is published.
func (s *VideoSource) BufferStatus() *reactive.Signal[BufferStatus] { return s.bufferStatus }

// SyncStatus reports ready or wait with the buffered duration.
func (s *VideoSource) SyncStatus() *reactive.Signal[SyncStatus] { return s.syncStatus }

// Stats is the delivery counter set.
func (s *VideoSource) Stats() *reactive.Signal[VideoStats] { return s.stats }

// Err holds the most recent source-level error, e.g.
// ErrNoEligibleRenditions.
func (s *VideoSource) Err() *reactive.Signal[error] { return s.lastErr }

// Pipeline exposes the shared container-assembly pipeline to the audio
// source. Nil until the first fmp4 video track starts.
func (s *VideoSource) Pipeline() *reactive.Signal[*assembly.Pipeline] { return s.pipeline }

// ActiveRendition returns the name of the currently emitting rendition.
func (s *VideoSource) ActiveRendition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.name
}

// selectRendition is the effect body binding catalog, target, and the
// failure set to the running subscription.
func (s *VideoSource) selectRendition(e *reactive.Effect) {
	root := s.cfg.Catalog.Get(e)
	target := s.cfg.Target.Get(e)
	failed := s.failed.Get(e)
	s.restarts.Get(e)

	if root == nil || root.Video == nil {
		return
	}
	if d := root.Video.Display; d != nil && s.display.Peek() == (media.Display{}) {
		s.display.Set(media.Display{Width: d.Width, Height: d.Height})
	}

	eligible := func(name string, cfg catalog.VideoConfig) bool {
		if failed[name] {
			return false
		}
		if cfg.Container == container.ModeFMP4 {
			return s.cfg.NewElement != nil && len(cfg.InitSegment) > 0
		}
		return s.cfg.Decoders.SupportsVideo(videoDecoderConfig(cfg))
	}

	name, ok := selectVideoRendition(root.Video, target, eligible)
	if !ok {
		s.lastErr.Set(ErrNoEligibleRenditions)
		s.log.Warn("no eligible video renditions")
		return
	}

	cfg := root.Video.Renditions[name]
	prio := renditionPriority(cfg.Priority, root.Video.Priority)
	if prio == 0 {
		prio = videoTrackPriority
	}
	s.switchTo(name, cfg, prio)
}

// switchTo starts a pending subscription for the desired rendition. The
// previous active subscription keeps emitting until the new one catches
// up.
func (s *VideoSource) switchTo(name string, cfg catalog.VideoConfig, priority byte) {
	s.mu.Lock()
	if s.active != nil && s.active.name == name {
		if s.pending != nil {
			s.pending.stop()
			s.pending = nil
		}
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		if s.pending.name == name {
			s.mu.Unlock()
			return
		}
		s.pending.stop()
	}

	subCtx, subCancel := context.WithCancel(s.ctx)
	sub := &videoSub{name: name, cfg: cfg, priority: priority, ctx: subCtx, cancel: subCancel}
	s.pending = sub
	s.mu.Unlock()

	s.log.Debug("starting rendition", "rendition", name, "container", cfg.Container)
	go s.runSub(sub)
}

// runSub drives one subscription to completion and classifies its exit.
func (s *VideoSource) runSub(sub *videoSub) {
	defer sub.stop()

	var err error
	if sub.cfg.Container == container.ModeFMP4 {
		err = s.runAssembly(sub)
	} else {
		err = s.runCodec(sub)
	}

	wasActive := s.subEnded(sub)

	if err != nil && sub.ctx.Err() == nil {
		switch {
		case errors.Is(err, ErrCodecUnsupported):
			s.log.Warn("rendition unsupported, removing", "rendition", sub.name)
			s.markFailed(sub.name)
			return
		case errors.Is(err, jitter.ErrClosed):
			// Orderly track end; fall through to the restart below.
		default:
			derr := &DecoderError{Rendition: sub.name, Err: err}
			s.log.Warn("subscription failed", "rendition", sub.name, "error", err)
			s.lastErr.Set(derr)
		}
	}
	if wasActive {
		s.restarts.Update(func(n uint64) uint64 { return n + 1 })
	}
}

// subEnded clears the sub from the pending/active slots, reporting
// whether it was the emitter.
func (s *VideoSource) subEnded(sub *videoSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == sub {
		s.pending = nil
	}
	if s.active == sub {
		s.active = nil
		return true
	}
	return false
}

// markFailed removes a rendition from the eligible set, re-running
// selection.
func (s *VideoSource) markFailed(name string) {
	s.failed.Update(func(old map[string]bool) map[string]bool {
		next := make(map[string]bool, len(old)+1)
		for k := range old {
			next[k] = true
		}
		next[name] = true
		return next
	})
}

// runCodec is decode path A: per-frame codec decoding with a bounded
// reorder queue and presentation-timestamp scheduling.
func (s *VideoSource) runCodec(sub *videoSub) error {
	track, err := s.cfg.Broadcast.Subscribe(sub.ctx, sub.name, sub.priority)
	if err != nil {
		if sub.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer track.Close()

	consumer := jitter.NewConsumer(sub.ctx, jitter.ConsumerConfig{
		Track:   track,
		Mode:    sub.cfg.Container,
		Latency: s.cfg.Latency,
		Log:     s.log.With("rendition", sub.name),
	})
	defer consumer.Close()

	decoded := make(chan media.FrameRef, media.DecodeQueueSize)
	decodeErr := make(chan error, 1)

	decoder, err := s.cfg.Decoders.NewVideoDecoder(videoDecoderConfig(sub.cfg),
		func(frame media.FrameRef) {
			// The decoder callback pushes through the bounded reorder queue;
			// it awaits (rather than drops) when the queue is full.
			select {
			case decoded <- frame:
			case <-sub.ctx.Done():
				frame.Release()
			}
		},
		func(err error) {
			select {
			case decodeErr <- err:
			default:
			}
		})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodecUnsupported, err)
	}
	defer decoder.Close()

	feedDone := make(chan error, 1)
	go func() { feedDone <- s.feedDecoder(sub, consumer, decoder) }()

	return s.renderLoop(sub, consumer, decoded, decodeErr, feedDone)
}

// feedDecoder pumps consumer frames into the decoder in decode order.
func (s *VideoSource) feedDecoder(sub *videoSub, consumer *jitter.Consumer, decoder VideoDecoder) error {
	for {
		frame, err := consumer.NextFrame(sub.ctx)
		if err != nil {
			return err
		}

		chunk := Chunk{Type: ChunkDelta, Data: frame.Data, Timestamp: frame.Timestamp}
		if frame.Keyframe {
			chunk.Type = ChunkKey
		}
		if err := decoder.Decode(chunk); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
}

// renderLoop paces decoded frames against the wall clock and publishes
// them. A pending subscription is promoted to active on its first frame
// that needed no sync wait.
func (s *VideoSource) renderLoop(sub *videoSub, consumer *jitter.Consumer, decoded <-chan media.FrameRef, decodeErr <-chan error, feedDone <-chan error) error {
	var base time.Time
	refSet := false

	for {
		select {
		case <-sub.ctx.Done():
			return nil

		case err := <-decodeErr:
			return fmt.Errorf("decoder: %w", err)

		case err := <-feedDone:
			// Drain any already-decoded frames before ending.
			for {
				select {
				case frame := <-decoded:
					s.presentFrame(sub, consumer, frame, false)
					continue
				default:
				}
				break
			}
			if errors.Is(err, jitter.ErrClosed) {
				return jitter.ErrClosed
			}
			return err

		case frame := <-decoded:
			ts := frame.Timestamp()
			if !refSet {
				base = time.Now().Add(-ts)
				refSet = true
			}

			sleep := time.Until(base.Add(ts + s.cfg.Latency.Peek()))
			waited := false
			if sleep > syncWaitThreshold {
				waited = true
				s.setSync(sub, SyncStatus{State: SyncWait, Buffered: sleep})
				if !sleepCtx(sub.ctx, sleep) {
					frame.Release()
					return nil
				}
				s.setSync(sub, SyncStatus{State: SyncReady})
			} else if sleep > 0 {
				if !sleepCtx(sub.ctx, sleep) {
					frame.Release()
					return nil
				}
			}

			s.presentFrame(sub, consumer, frame, waited)
		}
	}
}

// presentFrame publishes one decoded frame if this subscription is (or
// just became) the emitter; otherwise the frame is released.
func (s *VideoSource) presentFrame(sub *videoSub, consumer *jitter.Consumer, frame media.FrameRef, waited bool) {
	if !s.claimEmitter(sub, waited) {
		frame.Release()
		return
	}

	if w, h := frame.Width(), frame.Height(); w > 0 {
		size := media.Display{Width: w, Height: h}
		if s.display.Peek() != size {
			s.display.Set(size)
		}
	}

	s.publish(frame, true)
	s.stats.Set(VideoStats{
		FrameCount:    s.frameCount.Add(1),
		Timestamp:     frame.Timestamp(),
		BytesReceived: consumer.BytesReceived(),
	})
}

// claimEmitter resolves whether sub may publish. Track switches are
// atomic here: the pending sub becomes active the moment it produces a
// frame that needed no sync wait, and only then is the previous active
// subscription closed.
func (s *VideoSource) claimEmitter(sub *videoSub, waited bool) bool {
	s.mu.Lock()
	if s.active == sub {
		s.mu.Unlock()
		return true
	}
	if s.pending != sub || waited {
		s.mu.Unlock()
		return false
	}

	old := s.active
	s.active = sub
	s.pending = nil
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	s.log.Debug("rendition promoted", "rendition", sub.name)
	return true
}

// setSync publishes sync transitions only for the emitting subscription.
func (s *VideoSource) setSync(sub *videoSub, status SyncStatus) {
	s.mu.Lock()
	emitting := s.active == sub
	s.mu.Unlock()
	if emitting {
		s.syncStatus.Set(status)
	}
}

// publish swaps the current frame reference, releasing the previous one
// when this source owns it (codec path frames are owned; assembly path
// frames belong to the pipeline).
func (s *VideoSource) publish(frame media.FrameRef, owned bool) {
	s.frameMu.Lock()
	previous := s.currentFrame.Peek()
	wasOwned := s.ownsCurrent
	s.ownsCurrent = owned
	s.currentFrame.Set(frame)
	s.frameMu.Unlock()

	if previous != nil && wasOwned {
		previous.Release()
	}
	if s.bufferStatus.Peek() != BufferFilled {
		s.bufferStatus.Set(BufferFilled)
	}
}

// runAssembly is decode path B: frames are container fragments appended
// into the shared media pipeline, whose captured pictures are
// republished as the current frame.
func (s *VideoSource) runAssembly(sub *videoSub) error {
	pipeline, err := s.ensurePipeline(sub)
	if err != nil {
		return err
	}

	track, err := s.cfg.Broadcast.Subscribe(sub.ctx, sub.name, sub.priority)
	if err != nil {
		if sub.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer track.Close()

	consumer := jitter.NewConsumer(sub.ctx, jitter.ConsumerConfig{
		Track:   track,
		Mode:    container.ModeFMP4,
		Latency: s.cfg.Latency,
		Log:     s.log.With("rendition", sub.name),
	})
	defer consumer.Close()

	// Mirror the pipeline's captured frames while this sub emits.
	go s.mirrorPipeline(sub, pipeline, consumer)

	for {
		frame, err := consumer.NextFrame(sub.ctx)
		if err != nil {
			return err
		}
		// The pipeline renders as soon as fragments land, so the first
		// fragment marks catch-up.
		s.claimEmitter(sub, false)
		pipeline.EnqueueVideo(frame.Data)
	}
}

// ensurePipeline creates the shared pipeline on first use, or resets it
// when the rendition changed (the init segment differs per rendition).
func (s *VideoSource) ensurePipeline(sub *videoSub) (*assembly.Pipeline, error) {
	if p := s.pipeline.Peek(); p != nil {
		if s.pipelineFor == sub.name {
			return p, nil
		}
		s.log.Debug("resetting pipeline for rendition change",
			"from", s.pipelineFor, "to", sub.name)
		s.pipeline.Set(nil)
		p.Close()
	}

	element, err := s.cfg.NewElement()
	if err != nil {
		return nil, fmt.Errorf("create element: %w", err)
	}

	p, err := assembly.NewPipeline(s.ctx, assembly.PipelineConfig{
		Element:   element,
		VideoMIME: fmt.Sprintf("video/mp4; codecs=%q", sub.cfg.Codec),
		VideoInit: sub.cfg.InitSegment,
		Log:       s.log,
	})
	if err != nil {
		element.Close()
		return nil, err
	}

	s.pipelineFor = sub.name
	s.pipeline.Set(p)
	return p, nil
}

// mirrorPipeline republishes pipeline captures and display changes while
// sub is the emitter.
func (s *VideoSource) mirrorPipeline(sub *videoSub, pipeline *assembly.Pipeline, consumer *jitter.Consumer) {
	frames := pipeline.CurrentFrame().Changed(sub.ctx)
	sizes := pipeline.Display().Changed(sub.ctx)

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-frames:
			frame := pipeline.CurrentFrame().Peek()
			if frame == nil {
				continue
			}
			s.mu.Lock()
			emitting := s.active == sub
			s.mu.Unlock()
			if !emitting {
				continue
			}
			s.publish(frame, false)
			s.stats.Set(VideoStats{
				FrameCount:    s.frameCount.Add(1),
				Timestamp:     frame.Timestamp(),
				BytesReceived: consumer.BytesReceived(),
			})
		case <-sizes:
			if size := pipeline.Display().Peek(); size != (media.Display{}) {
				s.display.Set(size)
			}
		}
	}
}

// Close tears the source down: subscriptions stop, the pipeline closes,
// and the held frame reference is released. Safe to call multiple times.
func (s *VideoSource) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.selection.Close()

		s.mu.Lock()
		active, pending := s.active, s.pending
		s.active, s.pending = nil, nil
		s.mu.Unlock()
		if active != nil {
			active.stop()
		}
		if pending != nil {
			pending.stop()
		}

		if p := s.pipeline.Peek(); p != nil {
			p.Close()
			s.pipeline.Set(nil)
		}

		s.frameMu.Lock()
		previous := s.currentFrame.Peek()
		wasOwned := s.ownsCurrent
		s.ownsCurrent = false
		s.currentFrame.Set(nil)
		s.frameMu.Unlock()
		if previous != nil && wasOwned {
			previous.Release()
		}
		s.bufferStatus.Set(BufferEmpty)
	})
}

// videoDecoderConfig maps a catalog rendition to the decoder
// configuration.
func videoDecoderConfig(cfg catalog.VideoConfig) VideoDecoderConfig {
	opt := true
	if cfg.OptimizeForLatency != nil {
		opt = *cfg.OptimizeForLatency
	}
	return VideoDecoderConfig{
		Codec:              cfg.Codec,
		Description:        cfg.Description,
		CodedWidth:         cfg.CodedWidth,
		CodedHeight:        cfg.CodedHeight,
		OptimizeForLatency: opt,
	}
}

// sleepCtx sleeps for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
