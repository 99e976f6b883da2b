// Package catalog models the broadcast's self-describing manifest: a JSON
// document published on the well-known catalog track. Each publication is
// a full replacement, never a delta.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/zsiec/lens/internal/container"
)

// TrackName is the well-known name of the catalog track.
const TrackName = "catalog.json"

// TrackPriority is the subscription priority for the catalog track;
// zero is the highest priority.
const TrackPriority = 0

// Root is the top-level catalog document.
type Root struct {
	Video *Video `json:"video,omitempty"`
	Audio *Audio `json:"audio,omitempty"`

	// Sidecar tracks. Parsed for completeness; the watch pipeline core
	// does not consume them.
	Chat    *Track `json:"chat,omitempty"`
	User    *User  `json:"user,omitempty"`
	Preview *Track `json:"preview,omitempty"`
}

// Track names a plain sidecar track and its delivery priority.
type Track struct {
	Name     string `json:"name"`
	Priority uint8  `json:"priority"`
}

// User carries broadcaster metadata.
type User struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Video describes the video section: a set of selectable renditions plus
// display hints.
type Video struct {
	// Renditions maps track name to decoder configuration. A map rather
	// than an array so publishers can patch entries independently.
	Renditions map[string]VideoConfig `json:"renditions"`

	// Priority of video delivery relative to other tracks.
	Priority uint8 `json:"priority"`

	// Display is the intended presentation size, which may differ from the
	// coded size of any individual rendition.
	Display *Display `json:"display,omitempty"`

	// Flip indicates the image should be mirrored horizontally (typical
	// for self-view cameras).
	Flip bool `json:"flip,omitempty"`
}

// Display is a width/height pair in pixels.
type Display struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// VideoConfig is one video rendition, mirroring WebCodecs
// VideoDecoderConfig plus container fields.
type VideoConfig struct {
	// Codec string from the WebCodecs codec registry, e.g. "avc1.64001f".
	Codec string `json:"codec"`

	// Description is the out-of-band decoder configuration (e.g. an
	// avcC/hvcC record). Hex-encoded in JSON.
	Description HexBytes `json:"description,omitempty"`

	CodedWidth  int `json:"codedWidth,omitempty"`
	CodedHeight int `json:"codedHeight,omitempty"`

	Bitrate   uint64  `json:"bitrate,omitempty"`
	Framerate float64 `json:"framerate,omitempty"`

	// OptimizeForLatency asks the decoder to minimize internal buffering.
	OptimizeForLatency *bool `json:"optimizeForLatency,omitempty"`

	// Container selects the frame encoding; defaults to legacy varint.
	Container container.Mode `json:"container,omitempty"`

	// InitSegment is the ftyp+moov initialization segment, required when
	// Container is fmp4. Base64-encoded in JSON.
	InitSegment Base64Bytes `json:"initSegment,omitempty"`

	// Priority of this rendition's track, overriding the section priority.
	Priority *uint8 `json:"priority,omitempty"`
}

// Pixels returns the coded pixel count, or zero when the coded size is
// not declared.
func (c VideoConfig) Pixels() int {
	return c.CodedWidth * c.CodedHeight
}

// Audio describes the audio section.
type Audio struct {
	Renditions map[string]AudioConfig `json:"renditions"`
	Priority   uint8                  `json:"priority"`
}

// AudioConfig is one audio rendition, mirroring WebCodecs
// AudioDecoderConfig plus container fields.
type AudioConfig struct {
	Codec            string `json:"codec"`
	SampleRate       int    `json:"sampleRate"`
	NumberOfChannels int    `json:"numberOfChannels"`

	Bitrate uint64 `json:"bitrate,omitempty"`

	// Description is optional out-of-band decoder setup; if absent the
	// codec carries in-band metadata at marginally higher overhead.
	Description HexBytes `json:"description,omitempty"`

	// Container selects the frame encoding; defaults to legacy varint.
	Container container.Mode `json:"container,omitempty"`

	// InitSegment is the ftyp+moov initialization segment for fmp4
	// renditions. Base64-encoded in JSON.
	InitSegment Base64Bytes `json:"initSegment,omitempty"`

	Priority *uint8 `json:"priority,omitempty"`
}

// Parse decodes a full catalog replacement.
func Parse(data []byte) (*Root, error) {
	var root Root
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	return &root, nil
}

// Encode serializes the catalog document.
func (r *Root) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode: %w", err)
	}
	return data, nil
}
