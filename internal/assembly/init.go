package assembly

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// ValidateInit parses an initialization segment (ftyp+moov) and returns
// its track layout. Used to sanity-check catalog-delivered init segments
// before they reach the append buffer.
func ValidateInit(data []byte) (*fmp4.Init, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("assembly: parse init segment: %w", err)
	}
	if len(init.Tracks) == 0 {
		return nil, fmt.Errorf("assembly: init segment has no tracks")
	}
	return &init, nil
}

// DetectInlineInit scans a fragment for an in-band initialization
// segment: some legacy publishers prepend ftyp+moov to the first
// fragment instead of publishing it in the catalog. It returns the init
// prefix and the remaining fragment bytes when found.
//
// Prefer the catalog initSegment field; this path exists only for those
// legacy broadcasts and callers should log its use.
func DetectInlineInit(data []byte) (init, rest []byte, found bool) {
	end := 0
	sawMoov := false

scan:
	for off := 0; off+8 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[off : off+4]))
		boxType := string(data[off+4 : off+8])
		if size < 8 || off+size > len(data) {
			break
		}

		switch boxType {
		case "ftyp", "styp", "free", "sidx":
			end = off + size
		case "moov":
			end = off + size
			sawMoov = true
			break scan
		default:
			// First media box (moof/mdat) ends the prefix.
			break scan
		}
		off += size
	}

	if !sawMoov || end == 0 {
		return nil, data, false
	}
	return data[:end], data[end:], true
}
