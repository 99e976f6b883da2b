package watch

import (
	"context"
	"time"

	"github.com/zsiec/lens/internal/media"
)

// ChunkType labels an encoded chunk for the decoder.
type ChunkType int

const (
	ChunkKey ChunkType = iota
	ChunkDelta
)

// Chunk is one encoded frame handed to a decoder in decode order.
type Chunk struct {
	Type      ChunkType
	Data      []byte
	Timestamp time.Duration
}

// VideoDecoderConfig mirrors the platform video decoder configuration.
type VideoDecoderConfig struct {
	Codec       string
	Description []byte
	CodedWidth  int
	CodedHeight int

	// OptimizeForLatency asks the decoder to emit frames as soon as
	// possible instead of batching.
	OptimizeForLatency bool
}

// AudioDecoderConfig mirrors the platform audio decoder configuration.
type AudioDecoderConfig struct {
	Codec            string
	SampleRate       int
	NumberOfChannels int
	Description      []byte
}

// VideoDecoder decodes chunks pushed in decode order. Decoded pictures
// arrive on the output callback in presentation order; errors arrive on
// the error callback and terminate the decoder.
type VideoDecoder interface {
	Decode(Chunk) error
	Close()
}

// AudioData is one span of decoded PCM.
type AudioData struct {
	Timestamp        time.Duration
	SampleRate       int
	NumberOfChannels int

	// PCM is interleaved float samples, NumberOfChannels per frame.
	PCM []float32
}

// Duration is the playback time the PCM span covers.
func (d AudioData) Duration() time.Duration {
	if d.SampleRate == 0 || d.NumberOfChannels == 0 {
		return 0
	}
	frames := len(d.PCM) / d.NumberOfChannels
	return time.Duration(frames) * time.Second / time.Duration(d.SampleRate)
}

// AudioDecoder decodes chunks into PCM spans delivered on the output
// callback.
type AudioDecoder interface {
	Decode(Chunk) error
	Close()
}

// DecoderFactory is the platform codec registry. Support checks answer
// whether a configuration is decodable at all; a constructor may still
// return an error, and a running decoder reports failures through the
// error callback.
type DecoderFactory interface {
	SupportsVideo(VideoDecoderConfig) bool
	NewVideoDecoder(cfg VideoDecoderConfig, output func(media.FrameRef), onError func(error)) (VideoDecoder, error)

	SupportsAudio(AudioDecoderConfig) bool
	NewAudioDecoder(cfg AudioDecoderConfig, output func(AudioData), onError func(error)) (AudioDecoder, error)
}

// AudioRenderer schedules PCM playback cooperatively under the latency
// budget. Write may block to pace the producer; it must honor ctx.
type AudioRenderer interface {
	Write(ctx context.Context, data AudioData) error
	Close()
}
