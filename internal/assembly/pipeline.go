package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/reactive"
)

// Timeouts and retry policy for driving the media element.
const (
	// sourceOpenTimeout bounds the wait for the element to reach the open
	// state after attachment.
	sourceOpenTimeout = 5 * time.Second

	// playRetries and playRetryInterval govern the play-attempt loop; the
	// element may refuse to start until enough media is buffered.
	playRetries       = 100
	playRetryInterval = 100 * time.Millisecond
)

// PipelineConfig holds the parameters for creating a Pipeline.
type PipelineConfig struct {
	Element Element

	// VideoMIME is the full content type of the video buffer, e.g.
	// `video/mp4; codecs="avc1.64001f"`.
	VideoMIME string

	// VideoInit is the decoded video initialization segment. It is
	// appended before any fragment.
	VideoInit []byte

	Log *slog.Logger
}

// AudioConfig holds the parameters for the audio join-in.
type AudioConfig struct {
	MIME string
	Init []byte
}

// Pipeline drives a media element with two parallel append buffers. It
// is created by the video source on the first fragmented-container track
// start; audio joins in later through InitializeAudio, one-way.
type Pipeline struct {
	log     *slog.Logger
	element Element

	video *appendQueue

	audioMu sync.Mutex
	audio   *appendQueue

	currentFrame *reactive.Signal[media.FrameRef]
	display      *reactive.Signal[media.Display]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPipeline attaches to the element, creates the video append buffer,
// and schedules the video init segment as its first append. It fails if
// the element does not open within sourceOpenTimeout.
func NewPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "assembly")

	if info, err := ValidateInit(cfg.VideoInit); err != nil {
		log.Warn("video init segment did not validate", "error", err)
	} else {
		log.Debug("video init segment", "tracks", len(info.Tracks))
	}

	openCtx, openCancel := context.WithTimeout(ctx, sourceOpenTimeout)
	defer openCancel()
	ready := cfg.Element.ReadyState()
	if _, err := ready.Wait(openCtx, func(s ReadyState) bool { return s == StateOpen }); err != nil {
		return nil, fmt.Errorf("%w: source never opened: %v", ErrPipelineClosed, err)
	}

	buf, err := cfg.Element.AddBuffer(cfg.VideoMIME)
	if err != nil {
		return nil, fmt.Errorf("assembly: add video buffer: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:          log,
		element:      cfg.Element,
		video:        newAppendQueue(log.With("buffer", "video"), buf, ready, cfg.VideoInit),
		currentFrame: reactive.NewSignal[media.FrameRef](nil),
		display:      reactive.NewSignal(media.Display{}),
		ctx:          ctx,
		cancel:       cancel,
	}

	p.element.OnFrame(p.captureFrame)

	go p.video.run(ctx)
	go p.playLoop(ctx)
	return p, nil
}

// CurrentFrame is the latest picture captured from the element.
// Previous references are released as new ones arrive.
func (p *Pipeline) CurrentFrame() *reactive.Signal[media.FrameRef] { return p.currentFrame }

// Display is the element's picture size, republished on change.
func (p *Pipeline) Display() *reactive.Signal[media.Display] { return p.display }

// EnqueueVideo schedules one video fragment for appending.
func (p *Pipeline) EnqueueVideo(fragment []byte) {
	p.video.enqueue(fragment)
}

// EnqueueAudio schedules one audio fragment. Fragments arriving before
// InitializeAudio completes are dropped with a warning.
func (p *Pipeline) EnqueueAudio(fragment []byte) {
	p.audioMu.Lock()
	q := p.audio
	p.audioMu.Unlock()
	if q == nil {
		p.log.Warn("audio fragment before audio buffer, dropping", "bytes", len(fragment))
		return
	}
	q.enqueue(fragment)
}

// InitializeAudio adds the audio append buffer and schedules its init
// segment. It waits for the pipeline to be open and for any in-flight
// video append to finish; the audio buffer must never be added while the
// video buffer is updating. A quota failure leaves the pipeline
// video-only and is returned so the caller can fall back.
func (p *Pipeline) InitializeAudio(ctx context.Context, cfg AudioConfig) error {
	p.audioMu.Lock()
	if p.audio != nil {
		p.audioMu.Unlock()
		return nil
	}
	p.audioMu.Unlock()

	if info, err := ValidateInit(cfg.Init); err != nil {
		p.log.Warn("audio init segment did not validate", "error", err)
	} else {
		p.log.Debug("audio init segment", "tracks", len(info.Tracks))
	}

	openCtx, cancel := context.WithTimeout(ctx, sourceOpenTimeout)
	defer cancel()

	ready := p.element.ReadyState()
	if _, err := ready.Wait(openCtx, func(s ReadyState) bool { return s == StateOpen }); err != nil {
		return fmt.Errorf("%w: waiting for open: %v", ErrPipelineClosed, err)
	}
	if _, err := p.video.buf.Updating().Wait(openCtx, func(updating bool) bool { return !updating }); err != nil {
		return fmt.Errorf("%w: waiting for video append: %v", ErrPipelineClosed, err)
	}

	buf, err := p.element.AddBuffer(cfg.MIME)
	if err != nil {
		p.log.Warn("audio buffer rejected, continuing video-only", "error", err)
		return fmt.Errorf("assembly: add audio buffer: %w", err)
	}

	q := newAppendQueue(p.log.With("buffer", "audio"), buf, ready, cfg.Init)

	p.audioMu.Lock()
	p.audio = q
	p.audioMu.Unlock()

	go q.run(p.ctx)
	p.log.Debug("audio buffer initialized", "mime", cfg.MIME)
	return nil
}

// captureFrame republishes a rendered picture and its display size,
// releasing the previously held reference.
func (p *Pipeline) captureFrame(frame media.FrameRef) {
	select {
	case <-p.ctx.Done():
		frame.Release()
		return
	default:
	}

	size := media.Display{Width: frame.Width(), Height: frame.Height()}
	if p.display.Peek() != size {
		p.display.Set(size)
	}

	var previous media.FrameRef
	p.currentFrame.Update(func(old media.FrameRef) media.FrameRef {
		previous = old
		return frame
	})
	if previous != nil {
		previous.Release()
	}
}

// playLoop nudges the element into playback, retrying while it refuses
// (typically until the first fragments are buffered).
func (p *Pipeline) playLoop(ctx context.Context) {
	for attempt := 0; attempt < playRetries; attempt++ {
		if err := p.element.Play(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(playRetryInterval):
		}
	}
	p.log.Warn("element never started playback", "attempts", playRetries)
}

// Close stops both drainers, releases the held frame reference, and
// tears down the element. Safe to call multiple times.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()

		var previous media.FrameRef
		p.currentFrame.Update(func(old media.FrameRef) media.FrameRef {
			previous = old
			return nil
		})
		if previous != nil {
			previous.Release()
		}

		p.element.Close()
	})
}
