// Command lens is a headless MoQ watch client: it connects to a relay,
// opens a broadcast, runs the full subscriber pipeline with counting
// decoders, and logs stream health. Useful for probing a prism relay
// without a browser.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/lens/internal/certs"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/moq"
	"github.com/zsiec/lens/internal/reactive"
	"github.com/zsiec/lens/internal/watch"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	url := envOr("RELAY_URL", "moq://localhost:4443/")
	path := envOr("BROADCAST", "")
	fingerprint := envOr("CERT_HASH", "")
	latencyMS := envIntOr("LATENCY_MS", 100)

	if path == "" {
		slog.Error("BROADCAST is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sessCfg := moq.SessionConfig{URL: url}
	if fingerprint != "" {
		fp, err := certs.ParseFingerprint(fingerprint)
		if err != nil {
			slog.Error("bad CERT_HASH", "error", err)
			os.Exit(1)
		}
		sessCfg.TLS = certs.Pinned(fp)
	}

	slog.Info("lens starting",
		"version", version,
		"relay", url,
		"broadcast", path,
		"latency_ms", latencyMS,
	)

	sess, err := moq.Dial(ctx, sessCfg)
	if err != nil {
		slog.Error("dial failed", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	broadcast := watch.NewBroadcast(ctx, watch.Connect(sess), path, watch.Config{
		Latency:  reactive.NewSignal(time.Duration(latencyMS) * time.Millisecond),
		Decoders: probeFactory{},
		Renderer: discardRenderer{},
	})
	defer broadcast.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reportLoop(ctx, broadcast)
		return nil
	})
	g.Go(func() error {
		<-sess.Closed()
		cancel()
		return nil
	})

	_ = g.Wait()
	slog.Info("lens stopped")
}

// reportLoop logs pipeline health once a second.
func reportLoop(ctx context.Context, b *watch.Broadcast) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			video := b.Video().Peek()
			audio := b.Audio().Peek()
			if video == nil {
				slog.Info("waiting for broadcast")
				continue
			}

			stats := video.Stats().Peek()
			sync := video.SyncStatus().Peek()
			display := video.Display().Peek()

			attrs := []any{
				"rendition", video.ActiveRendition(),
				"frames", stats.FrameCount,
				"bytes", stats.BytesReceived,
				"display", strconv.Itoa(display.Width) + "x" + strconv.Itoa(display.Height),
			}
			if sync.State == watch.SyncWait {
				attrs = append(attrs, "sync", "wait", "buffered", sync.Buffered)
			}
			if audio != nil {
				attrs = append(attrs, "audio_bytes", audio.Stats().Peek().BytesReceived)
			}
			slog.Info("stream health", attrs...)
		}
	}
}

// probeFactory decodes nothing: it accepts every codec and emits
// counting placeholder frames so the pipeline exercises end to end.
type probeFactory struct{}

func (probeFactory) SupportsVideo(watch.VideoDecoderConfig) bool { return true }
func (probeFactory) SupportsAudio(watch.AudioDecoderConfig) bool { return true }

func (probeFactory) NewVideoDecoder(cfg watch.VideoDecoderConfig, output func(media.FrameRef), _ func(error)) (watch.VideoDecoder, error) {
	return &probeVideoDecoder{cfg: cfg, output: output}, nil
}

func (probeFactory) NewAudioDecoder(cfg watch.AudioDecoderConfig, output func(watch.AudioData), _ func(error)) (watch.AudioDecoder, error) {
	return &probeAudioDecoder{cfg: cfg, output: output}, nil
}

type probeVideoDecoder struct {
	cfg    watch.VideoDecoderConfig
	output func(media.FrameRef)
}

func (d *probeVideoDecoder) Decode(c watch.Chunk) error {
	d.output(&probeFrame{w: d.cfg.CodedWidth, h: d.cfg.CodedHeight, ts: c.Timestamp})
	return nil
}

func (d *probeVideoDecoder) Close() {}

type probeAudioDecoder struct {
	cfg    watch.AudioDecoderConfig
	output func(watch.AudioData)
}

func (d *probeAudioDecoder) Decode(c watch.Chunk) error {
	d.output(watch.AudioData{
		Timestamp:        c.Timestamp,
		SampleRate:       d.cfg.SampleRate,
		NumberOfChannels: d.cfg.NumberOfChannels,
	})
	return nil
}

func (d *probeAudioDecoder) Close() {}

// probeFrame is a placeholder picture reference.
type probeFrame struct {
	w, h     int
	ts       time.Duration
	released atomic.Bool
}

func (f *probeFrame) Release()                 { f.released.Store(true) }
func (f *probeFrame) Width() int               { return f.w }
func (f *probeFrame) Height() int              { return f.h }
func (f *probeFrame) Timestamp() time.Duration { return f.ts }

// discardRenderer drops PCM; the probe has no audio device.
type discardRenderer struct{}

func (discardRenderer) Write(context.Context, watch.AudioData) error { return nil }
func (discardRenderer) Close()                                       {}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
