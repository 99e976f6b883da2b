// Package media defines the core frame types that flow through the lens
// watch pipeline, from transport delivery through decoding and rendering.
package media

import "time"

// Queue bounds used throughout the pipeline. A full append queue discards
// its oldest fragment with a warning; a full decoder output queue blocks
// the decoder callback until there is room or the subscription ends.
const (
	// DecodeQueueSize bounds the decoder output reorder queue. Sized to the
	// maximum consecutive B-frames a reasonable encoder emits.
	DecodeQueueSize = 10

	// AppendQueueSize bounds the per-buffer container append queue.
	AppendQueueSize = 10
)

// Frame is a single transport-delivered media frame after the timestamp
// header has been decoded off the wire payload.
type Frame struct {
	// Data is the codec- or container-specific payload with the timestamp
	// header already stripped.
	Data []byte

	// Timestamp is the presentation timestamp, microsecond precision.
	// It is relative to the start of the track, not a wall clock time.
	Timestamp time.Duration

	// Keyframe reports whether this frame is independently decodable. It is
	// not encoded on the wire: the first frame of every group is a keyframe
	// and no other frame in the group is.
	Keyframe bool

	// Group is the transport-assigned group sequence that delivered this
	// frame. Strictly monotonic per track.
	Group uint64
}
