package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/lens/internal/assembly"
	"github.com/zsiec/lens/internal/catalog"
	"github.com/zsiec/lens/internal/container"
	"github.com/zsiec/lens/internal/jitter"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/reactive"
)

// AudioStats is the per-source delivery counter set.
type AudioStats struct {
	BytesReceived int64
}

// pipelineWaitTimeout bounds how long audio waits for the shared
// container-assembly pipeline before marking the rendition failed and
// re-entering selection (which falls back to a codec-path rendition when
// one exists).
const pipelineWaitTimeout = 5 * time.Second

// audioTrackPriority is the default subscription priority for audio
// tracks, used when the catalog priority for the rendition resolves to
// zero.
const audioTrackPriority = 2

// AudioSourceConfig holds the collaborators of an AudioSource.
type AudioSourceConfig struct {
	Broadcast BroadcastSource
	Catalog   *reactive.Signal[*catalog.Root]
	Latency   *reactive.Signal[time.Duration]

	// Enabled gates downloading and rendering. While disabled, an fmp4
	// rendition may still initialize its append buffer so the two-buffer
	// pipeline is fully formed before video appends begin.
	Enabled *reactive.Signal[bool]

	Decoders DecoderFactory
	Renderer AudioRenderer

	// Pipeline is the video-owned container-assembly pipeline, consumed
	// read-only. Audio routes its initializer into it and never holds a
	// back-pointer.
	Pipeline *reactive.Signal[*assembly.Pipeline]

	Log *slog.Logger
}

// audioSub is one running audio subscription.
type audioSub struct {
	name     string
	cfg      catalog.AudioConfig
	priority byte

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (sub *audioSub) stop() { sub.stopOnce.Do(sub.cancel) }

// AudioSource mirrors the video source for audio: it selects a
// rendition, decodes it to PCM for the renderer (path A) or routes
// fragments into the shared container pipeline (path B), and exposes
// delivery stats.
type AudioSource struct {
	log *slog.Logger
	cfg AudioSourceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	stats   *reactive.Signal[AudioStats]
	lastErr *reactive.Signal[error]

	failed   *reactive.Signal[map[string]bool]
	restarts *reactive.Signal[uint64]

	mu      sync.Mutex
	active  *audioSub
	pending *audioSub

	// bufferInitialized dedupes the while-disabled pipeline join-in.
	bufferInitialized bool

	selection *reactive.Effect
}

// NewAudioSource creates the source and starts its selection effect.
func NewAudioSource(ctx context.Context, cfg AudioSourceConfig) *AudioSource {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &AudioSource{
		log:      log.With("component", "audio-source"),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		stats:    reactive.NewSignal(AudioStats{}),
		lastErr:  reactive.NewSignal[error](nil),
		failed:   reactive.NewSignal(map[string]bool{}),
		restarts: reactive.NewSignal(uint64(0)),
	}

	s.selection = reactive.Run(ctx, s.selectRendition)
	return s
}

// Stats is the delivery counter set.
func (s *AudioSource) Stats() *reactive.Signal[AudioStats] { return s.stats }

// Err holds the most recent source-level error.
func (s *AudioSource) Err() *reactive.Signal[error] { return s.lastErr }

// ActiveRendition returns the name of the currently rendering rendition.
func (s *AudioSource) ActiveRendition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.name
}

// selectRendition binds the enabled flag, catalog, and failure set to
// the running subscription.
func (s *AudioSource) selectRendition(e *reactive.Effect) {
	enabled := s.cfg.Enabled.Get(e)
	root := s.cfg.Catalog.Get(e)
	failed := s.failed.Get(e)
	s.restarts.Get(e)

	if root == nil || root.Audio == nil {
		s.stopSubs()
		return
	}

	eligible := func(name string, cfg catalog.AudioConfig) bool {
		if failed[name] {
			return false
		}
		if cfg.Container == container.ModeFMP4 {
			return s.cfg.Pipeline != nil && len(cfg.InitSegment) > 0
		}
		return s.cfg.Renderer != nil && s.cfg.Decoders.SupportsAudio(audioDecoderConfig(cfg))
	}

	name, ok := selectAudioRendition(root.Audio, eligible)
	if !ok {
		s.stopSubs()
		s.lastErr.Set(ErrNoEligibleRenditions)
		s.log.Warn("no eligible audio renditions")
		return
	}
	cfg := root.Audio.Renditions[name]

	if !enabled {
		s.stopSubs()
		// Pre-form the second append buffer while disabled so the pipeline
		// is complete before video fragments start flowing.
		if cfg.Container == container.ModeFMP4 {
			s.spawnBufferInit(e, cfg)
		}
		return
	}

	prio := renditionPriority(cfg.Priority, root.Audio.Priority)
	if prio == 0 {
		prio = audioTrackPriority
	}
	s.switchTo(name, cfg, prio)
}

// spawnBufferInit initializes the audio append buffer without starting a
// subscription, once per source.
func (s *AudioSource) spawnBufferInit(e *reactive.Effect, cfg catalog.AudioConfig) {
	s.mu.Lock()
	already := s.bufferInitialized
	s.bufferInitialized = true
	s.mu.Unlock()
	if already {
		return
	}

	e.Spawn(func(ctx context.Context) {
		if err := s.joinPipeline(ctx, cfg); err != nil && ctx.Err() == nil {
			s.log.Warn("audio buffer pre-initialization failed", "error", err)
			s.mu.Lock()
			s.bufferInitialized = false
			s.mu.Unlock()
		}
	})
}

// joinPipeline waits for the shared pipeline and adds the audio append
// buffer with its init segment.
func (s *AudioSource) joinPipeline(ctx context.Context, cfg catalog.AudioConfig) error {
	waitCtx, cancel := context.WithTimeout(ctx, pipelineWaitTimeout)
	defer cancel()

	pipeline, err := s.cfg.Pipeline.Wait(waitCtx, func(p *assembly.Pipeline) bool { return p != nil })
	if err != nil {
		return fmt.Errorf("%w: pipeline never appeared: %v", assembly.ErrPipelineClosed, err)
	}

	init := cfg.InitSegment
	if len(init) == 0 {
		return fmt.Errorf("%w: rendition has no init segment", assembly.ErrPipelineClosed)
	}

	return pipeline.InitializeAudio(ctx, assembly.AudioConfig{
		MIME: fmt.Sprintf("audio/mp4; codecs=%q", cfg.Codec),
		Init: init,
	})
}

// switchTo starts a pending subscription for the desired rendition. The
// previous active one keeps rendering until the new one produces output.
func (s *AudioSource) switchTo(name string, cfg catalog.AudioConfig, priority byte) {
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
	sub := &audioSub{name: name, cfg: cfg, priority: priority, ctx: subCtx, cancel: subCancel}
	s.pending = sub
	s.mu.Unlock()

	s.log.Debug("starting rendition", "rendition", name, "container", cfg.Container)
	go s.runSub(sub)
}

// stopSubs tears down both subscription slots (disable or catalog loss).
func (s *AudioSource) stopSubs() {
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
}

// runSub drives one subscription to completion and classifies its exit.
func (s *AudioSource) runSub(sub *audioSub) {
	defer sub.stop()

	var err error
	if sub.cfg.Container == container.ModeFMP4 {
		err = s.runAssembly(sub)
	} else {
		err = s.runCodec(sub)
	}

	s.mu.Lock()
	if s.pending == sub {
		s.pending = nil
	}
	wasActive := s.active == sub
	if wasActive {
		s.active = nil
	}
	s.mu.Unlock()

	if err != nil && sub.ctx.Err() == nil {
		switch {
		case errors.Is(err, ErrCodecUnsupported),
			errors.Is(err, assembly.ErrPipelineClosed),
			errors.Is(err, assembly.ErrQuota):
			s.log.Warn("rendition unusable, removing", "rendition", sub.name, "error", err)
			s.markFailed(sub.name)
			return
		case errors.Is(err, jitter.ErrClosed):
		default:
			s.log.Warn("subscription failed", "rendition", sub.name, "error", err)
			s.lastErr.Set(&DecoderError{Rendition: sub.name, Err: err})
		}
	}
	if wasActive {
		s.restarts.Update(func(n uint64) uint64 { return n + 1 })
	}
}

func (s *AudioSource) markFailed(name string) {
	s.failed.Update(func(old map[string]bool) map[string]bool {
		next := make(map[string]bool, len(old)+1)
		for k := range old {
			next[k] = true
		}
		next[name] = true
		return next
	})
}

// claimEmitter promotes a pending sub on its first rendered output,
// closing the previous active subscription.
func (s *AudioSource) claimEmitter(sub *audioSub) bool {
	s.mu.Lock()
	if s.active == sub {
		s.mu.Unlock()
		return true
	}
	if s.pending != sub {
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

// runCodec is path A: decode to PCM and pipe it into the renderer, which
// schedules playback cooperatively under the latency budget.
func (s *AudioSource) runCodec(sub *audioSub) error {
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

	pcm := make(chan AudioData, media.DecodeQueueSize)
	decodeErr := make(chan error, 1)

	decoder, err := s.cfg.Decoders.NewAudioDecoder(audioDecoderConfig(sub.cfg),
		func(data AudioData) {
			select {
			case pcm <- data:
			case <-sub.ctx.Done():
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
	go func() {
		for {
			frame, err := consumer.NextFrame(sub.ctx)
			if err != nil {
				feedDone <- err
				return
			}
			chunk := Chunk{Type: ChunkDelta, Data: frame.Data, Timestamp: frame.Timestamp}
			if frame.Keyframe {
				chunk.Type = ChunkKey
			}
			if err := decoder.Decode(chunk); err != nil {
				feedDone <- fmt.Errorf("decode: %w", err)
				return
			}
		}
	}()

	for {
		select {
		case <-sub.ctx.Done():
			return nil

		case err := <-decodeErr:
			return fmt.Errorf("decoder: %w", err)

		case err := <-feedDone:
			return err

		case data := <-pcm:
			if !s.claimEmitter(sub) {
				continue
			}
			if err := s.cfg.Renderer.Write(sub.ctx, data); err != nil {
				if sub.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("render: %w", err)
			}
			s.stats.Set(AudioStats{BytesReceived: consumer.BytesReceived()})
		}
	}
}

// runAssembly is path B: join the shared pipeline, then route fragments
// into the audio append buffer.
func (s *AudioSource) runAssembly(sub *audioSub) error {
	if err := s.joinPipeline(sub.ctx, sub.cfg); err != nil {
		return err
	}
	pipeline := s.cfg.Pipeline.Peek()
	if pipeline == nil {
		return assembly.ErrPipelineClosed
	}

	s.mu.Lock()
	s.bufferInitialized = true
	s.mu.Unlock()

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

	for {
		frame, err := consumer.NextFrame(sub.ctx)
		if err != nil {
			return err
		}
		s.claimEmitter(sub)
		pipeline.EnqueueAudio(frame.Data)
		s.stats.Set(AudioStats{BytesReceived: consumer.BytesReceived()})
	}
}

// Close tears the source down. Safe to call multiple times.
func (s *AudioSource) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.selection.Close()
		s.stopSubs()
	})
}

// audioDecoderConfig maps a catalog rendition to the decoder
// configuration.
func audioDecoderConfig(cfg catalog.AudioConfig) AudioDecoderConfig {
	return AudioDecoderConfig{
		Codec:            cfg.Codec,
		SampleRate:       cfg.SampleRate,
		NumberOfChannels: cfg.NumberOfChannels,
		Description:      cfg.Description,
	}
}
