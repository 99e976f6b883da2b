// Package assembly implements the container-assembly source for
// fragmented-MP4 renditions: a single media pipeline with up to two
// append buffers (video and audio) fed from separate tracks, preserving
// the init-segment-before-fragment ordering the container requires.
//
// The platform media element itself (decode and render of appended
// fragments) is an external collaborator behind the Element interface;
// this package owns the ordering, queueing, and lifecycle logic around
// it.
package assembly

import (
	"context"
	"errors"

	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/reactive"
)

// Sentinel errors for pipeline handling.
var (
	// ErrPipelineClosed reports that the media element left the open state
	// or never reached it within the allowed time.
	ErrPipelineClosed = errors.New("assembly: pipeline closed")

	// ErrQuota reports that the element refused an additional append
	// buffer. The pipeline continues with the buffers it already has.
	ErrQuota = errors.New("assembly: append buffer quota exceeded")
)

// ReadyState is the media element lifecycle state, mirroring the
// MediaSource readyState model.
type ReadyState int

const (
	StateClosed ReadyState = iota
	StateOpen
	StateEnded
)

func (s ReadyState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	default:
		return "closed"
	}
}

// Element is the platform media element the pipeline drives: a hidden
// video surface whose source accepts container byte ranges. Implementors
// decode and render appended fragments and surface rendered pictures
// through OnFrame.
type Element interface {
	// ReadyState transitions closed -> open when the source is attached,
	// and back to closed if the element is torn down externally.
	ReadyState() *reactive.Signal[ReadyState]

	// AddBuffer creates an append buffer for the given MIME type. At most
	// two buffers (one video, one audio) are supported; implementations
	// return ErrQuota when they cannot add another.
	AddBuffer(mime string) (AppendBuffer, error)

	// Play starts or resumes playback. Implementations may fail
	// transiently while the pipeline has no data yet.
	Play(ctx context.Context) error

	// OnFrame registers cb to run for each rendered picture. Only one
	// callback is supported; registering again replaces it.
	OnFrame(cb func(media.FrameRef))

	// Close tears the element down, releasing any hidden surface it
	// created. Idempotent.
	Close()
}

// AppendBuffer is one source buffer of the element. Appends are
// asynchronous: Updating holds true from an Append call until the
// element finishes integrating the bytes. Callers must not Append while
// Updating is true.
type AppendBuffer interface {
	Append(data []byte) error
	Updating() *reactive.Signal[bool]
	Close()
}
