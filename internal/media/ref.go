package media

import "time"

// Display is a presentation size in pixels.
type Display struct {
	Width  int
	Height int
}

// FrameRef is a reference to a decoded picture held by the platform
// (a decoder output frame or a capture from a playing media element).
// Holders must Release the reference when replacing it; the underlying
// picture memory is reclaimed once every reference is released.
type FrameRef interface {
	// Release returns the reference. Calling any method after Release is
	// a caller bug.
	Release()

	// Width and Height are the coded picture size.
	Width() int
	Height() int

	// Timestamp is the presentation timestamp of the picture.
	Timestamp() time.Duration
}
