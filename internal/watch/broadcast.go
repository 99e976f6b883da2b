package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/lens/internal/catalog"
	"github.com/zsiec/lens/internal/jitter"
	"github.com/zsiec/lens/internal/moq"
	"github.com/zsiec/lens/internal/reactive"
)

// defaultLatency is the jitter-buffer bound applied when the caller
// supplies none.
const defaultLatency = 100 * time.Millisecond

// Config enumerates the caller-controlled inputs of a Broadcast.
type Config struct {
	// Enabled starts and stops downloads. Defaults to enabled.
	Enabled *reactive.Signal[bool]

	// Latency is the jitter-buffer bound in wall time.
	Latency *reactive.Signal[time.Duration]

	// Reload waits for the broadcast to be announced active before
	// opening it; without it the broadcast is assumed active.
	Reload bool

	// Target guides video rendition selection.
	Target *reactive.Signal[VideoTarget]

	// AudioEnabled gates audio separately; defaults to Enabled.
	AudioEnabled *reactive.Signal[bool]

	Decoders   DecoderFactory
	NewElement ElementFactory
	Renderer   AudioRenderer

	Log *slog.Logger
}

// Broadcast binds a transport connection, the catalog, and the caller's
// intent into coordinated video and audio source lifecycles. Sources
// exist exactly while the connection is up, the broadcast is active, and
// downloads are enabled; any input turning invalid tears them down and
// a recovery re-runs the whole chain.
type Broadcast struct {
	log       *slog.Logger
	transport Transport
	path      string
	cfg       Config

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	catalogSig *reactive.Signal[*catalog.Root]
	activeSig  *reactive.Signal[bool]
	videoSig   *reactive.Signal[*VideoSource]
	audioSig   *reactive.Signal[*AudioSource]

	root *reactive.Effect
}

// NewBroadcast starts watching the broadcast at path over the transport.
func NewBroadcast(ctx context.Context, transport Transport, path string, cfg Config) *Broadcast {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Enabled == nil {
		cfg.Enabled = reactive.NewSignal(true)
	}
	if cfg.AudioEnabled == nil {
		cfg.AudioEnabled = cfg.Enabled
	}
	if cfg.Latency == nil {
		cfg.Latency = reactive.NewSignal(defaultLatency)
	}
	if cfg.Target == nil {
		cfg.Target = reactive.NewSignal(VideoTarget{})
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Broadcast{
		log:        log.With("component", "broadcast", "path", path),
		transport:  transport,
		path:       path,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		catalogSig: reactive.NewSignal[*catalog.Root](nil),
		activeSig:  reactive.NewSignal(!cfg.Reload),
		videoSig:   reactive.NewSignal[*VideoSource](nil),
		audioSig:   reactive.NewSignal[*AudioSource](nil),
	}

	if cfg.Reload {
		go b.watchAnnounced(ctx)
	}

	b.root = reactive.Run(ctx, b.run)
	return b
}

// Catalog is the latest parsed catalog, nil before the first fetch.
func (b *Broadcast) Catalog() *reactive.Signal[*catalog.Root] { return b.catalogSig }

// Video is the video source while the broadcast is open, nil otherwise.
func (b *Broadcast) Video() *reactive.Signal[*VideoSource] { return b.videoSig }

// Audio is the audio source while the broadcast is open, nil otherwise.
func (b *Broadcast) Audio() *reactive.Signal[*AudioSource] { return b.audioSig }

// Active reports the announced state of the broadcast.
func (b *Broadcast) Active() *reactive.Signal[bool] { return b.activeSig }

// run is the root effect body: while every input is valid, the sources
// exist; when any turns invalid, the cleanup tears them down.
func (b *Broadcast) run(e *reactive.Effect) {
	enabled := b.cfg.Enabled.Get(e)
	status := b.transport.Status().Get(e)
	active := b.activeSig.Get(e)

	if !enabled || status != moq.StatusConnected || !active {
		return
	}

	source := b.transport.Consume(b.path)

	e.Spawn(func(ctx context.Context) {
		b.fetchCatalog(ctx, source)
	})

	video := NewVideoSource(b.ctx, VideoSourceConfig{
		Broadcast:  source,
		Catalog:    b.catalogSig,
		Latency:    b.cfg.Latency,
		Target:     b.cfg.Target,
		Decoders:   b.cfg.Decoders,
		NewElement: b.cfg.NewElement,
		Log:        b.log,
	})
	audio := NewAudioSource(b.ctx, AudioSourceConfig{
		Broadcast: source,
		Catalog:   b.catalogSig,
		Latency:   b.cfg.Latency,
		Enabled:   b.cfg.AudioEnabled,
		Decoders:  b.cfg.Decoders,
		Renderer:  b.cfg.Renderer,
		Pipeline:  video.Pipeline(),
		Log:       b.log,
	})

	b.videoSig.Set(video)
	b.audioSig.Set(audio)
	b.log.Debug("broadcast opened")

	e.Cleanup(func() {
		b.videoSig.Set(nil)
		b.audioSig.Set(nil)
		audio.Close()
		video.Close()
		b.log.Debug("broadcast closed")
	})
}

// watchAnnounced follows the announce stream for the broadcast path and
// mirrors its activity into activeSig.
func (b *Broadcast) watchAnnounced(ctx context.Context) {
	stream, err := b.transport.Announced(b.path)
	if err != nil {
		b.log.Warn("announce subscription failed, assuming active", "error", err)
		b.activeSig.Set(true)
		return
	}
	defer stream.Close()

	for {
		a, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, moq.ErrClosed) {
				b.log.Debug("announce stream ended", "error", err)
			}
			return
		}
		// Paths are relative to the requested prefix; the empty path is
		// the broadcast itself.
		if a.Path != "" && a.Path != b.path {
			continue
		}
		b.activeSig.Set(a.Active)
	}
}

// fetchCatalog reads successive full catalog replacements from the
// well-known track at the highest priority.
func (b *Broadcast) fetchCatalog(ctx context.Context, source BroadcastSource) {
	track, err := source.Subscribe(ctx, catalog.TrackName, catalog.TrackPriority)
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("catalog subscribe failed", "error", err)
		}
		return
	}
	defer track.Close()

	for {
		group, err := track.NextGroup(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, jitter.ErrClosed) {
				b.log.Debug("catalog track ended", "error", err)
			}
			return
		}

		data, err := group.ReadFrame(ctx)
		// One frame per publication; deltas are not supported.
		group.Close()
		if err != nil {
			continue
		}

		root, err := catalog.Parse(data)
		if err != nil {
			b.log.Warn("bad catalog update", "error", err)
			continue
		}
		b.catalogSig.Set(root)
		b.log.Debug("catalog updated",
			"video", root.Video != nil,
			"audio", root.Audio != nil)
	}
}

// Close tears down the whole broadcast scope: it cancels the broadcast's
// context and closes the root effect, which waits for the tasks spawned
// by effects. The sources' subscription goroutines and the announcement
// watcher exit once they see the cancellation; Close does not wait for
// them. Safe to call multiple times.
func (b *Broadcast) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.root.Close()
	})
}
