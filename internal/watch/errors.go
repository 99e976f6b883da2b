package watch

import (
	"errors"
	"fmt"
)

// Sentinel errors for source handling.
var (
	// ErrCodecUnsupported reports that the platform cannot decode a
	// rendition; the rendition is removed from the eligible set.
	ErrCodecUnsupported = errors.New("watch: codec unsupported")

	// ErrNoEligibleRenditions reports that every rendition has been ruled
	// out, by capability or by failure.
	ErrNoEligibleRenditions = errors.New("watch: no eligible renditions")
)

// DecoderError reports a decoder failure on one rendition. It terminates
// the rendition's subscription only; the source stays alive and re-enters
// selection.
type DecoderError struct {
	Rendition string
	Err       error
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("watch: decoder failed on %q: %v", e.Rendition, e.Err)
}

func (e *DecoderError) Unwrap() error { return e.Err }
