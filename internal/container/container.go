// Package container implements the per-frame timestamp header codec. The
// container mode of a track determines both the header encoding on the
// wire and which decode path the watch pipeline selects.
package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// Mode selects the frame timestamp header encoding.
type Mode int

const (
	// ModeLegacy encodes the timestamp as a QUIC variable-length integer
	// (1, 2, 4, or 8 bytes; the high two bits of byte 0 select the length).
	// Frame payloads are raw codec data.
	ModeLegacy Mode = iota

	// ModeRaw encodes the timestamp as a fixed 8-byte big-endian unsigned
	// integer. Frame payloads are raw codec data.
	ModeRaw

	// ModeFMP4 carries no timestamp header: each frame payload is an opaque
	// fragmented-MP4 byte range (an init segment or a moof+mdat fragment).
	ModeFMP4
)

// Catalog wire names for each mode.
const (
	nameLegacy = "legacy"
	nameRaw    = "raw"
	nameFMP4   = "fmp4"
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return nameLegacy
	case ModeRaw:
		return nameRaw
	case ModeFMP4:
		return nameFMP4
	default:
		return fmt.Sprintf("container(%d)", int(m))
	}
}

// MarshalJSON encodes the mode as its catalog name.
func (m Mode) MarshalJSON() ([]byte, error) {
	switch m {
	case ModeLegacy, ModeRaw, ModeFMP4:
		return json.Marshal(m.String())
	default:
		return nil, fmt.Errorf("container: unknown mode %d", int(m))
	}
}

// UnmarshalJSON decodes a catalog container name. An absent field decodes
// to the zero value ModeLegacy, matching the catalog default.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case nameLegacy:
		*m = ModeLegacy
	case nameRaw:
		*m = ModeRaw
	case nameFMP4:
		*m = ModeFMP4
	default:
		return fmt.Errorf("container: unknown mode %q", s)
	}
	return nil
}

// AppendTimestamp appends the timestamp header for ts (microsecond
// precision) to buf according to the mode. ModeFMP4 appends nothing.
func AppendTimestamp(buf []byte, ts time.Duration, mode Mode) []byte {
	micros := uint64(ts / time.Microsecond)
	switch mode {
	case ModeLegacy:
		return quicvarint.Append(buf, micros)
	case ModeRaw:
		return binary.BigEndian.AppendUint64(buf, micros)
	default:
		return buf
	}
}

// SplitTimestamp decodes the timestamp header off the front of a raw
// frame payload, returning the timestamp and the remaining payload. For
// ModeFMP4 the payload is returned untouched with a zero timestamp.
func SplitTimestamp(payload []byte, mode Mode) (time.Duration, []byte, error) {
	switch mode {
	case ModeLegacy:
		micros, n, err := quicvarint.Parse(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("container: parse varint timestamp: %w", err)
		}
		return time.Duration(micros) * time.Microsecond, payload[n:], nil

	case ModeRaw:
		if len(payload) < 8 {
			return 0, nil, fmt.Errorf("container: raw timestamp needs 8 bytes, have %d", len(payload))
		}
		micros := binary.BigEndian.Uint64(payload)
		return time.Duration(micros) * time.Microsecond, payload[8:], nil

	case ModeFMP4:
		return 0, payload, nil

	default:
		return 0, nil, fmt.Errorf("container: unknown mode %d", int(mode))
	}
}
