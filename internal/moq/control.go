package moq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type IDs.
const (
	MsgSubscribe      uint64 = 0x03
	MsgSubscribeOK    uint64 = 0x04
	MsgSubscribeError uint64 = 0x05
	MsgAnnounce       uint64 = 0x06
	MsgAnnouncePlease uint64 = 0x07
	MsgUnsubscribe    uint64 = 0x0a
	MsgGoAway         uint64 = 0x10
	MsgClientSetup    uint64 = 0x20
	MsgServerSetup    uint64 = 0x21
)

// Version is the transport version negotiated during setup.
const Version uint64 = 0xff00000f

// Setup parameter keys. Odd keys carry length-prefixed byte strings,
// even keys carry varint values.
const (
	ParamPath         uint64 = 0x01
	ParamMaxRequestID uint64 = 0x02
)

// Data stream type IDs. Each group is delivered on its own
// unidirectional stream beginning with one of these.
const (
	// StreamTypeGroup precedes [subscribe ID][group sequence] and a run of
	// length-prefixed frames.
	StreamTypeGroup uint64 = 0x00
)

// ClientSetup is the first message sent on the control stream.
type ClientSetup struct {
	Versions []uint64
	Path     string
	HasPath  bool
}

// ServerSetup is the publisher's response to a ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// Subscribe requests delivery of all future groups of a track.
// Subsequent group streams carry the ID instead of the full names.
type Subscribe struct {
	ID        uint64
	Broadcast string
	Track     string
	Priority  byte
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	ID       uint64
	Priority byte
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	ID           uint64
	ErrorCode    uint64
	ReasonPhrase string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	ID uint64
}

// AnnouncePlease asks the publisher to report broadcasts under a path
// prefix.
type AnnouncePlease struct {
	Prefix string
}

// Announce reports a broadcast transitioning to active or inactive under
// a previously requested prefix. The path is relative to that prefix.
type Announce struct {
	Path   string
	Active bool
}

// GoAway signals a graceful session shutdown.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMsg reads one control message from the control stream.
// Wire format: [message_type (varint)] [message_length (uint16 big-endian)] [payload].
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return msgType, payload, nil
}

// WriteControlMsg writes a control message as a single Write call to
// ensure atomicity even without external synchronization.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, msgType)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// SerializeClientSetup serializes a CLIENT_SETUP payload.
func SerializeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = quicvarint.Append(buf, v)
	}

	numParams := uint64(0)
	if cs.HasPath {
		numParams++
	}
	buf = quicvarint.Append(buf, numParams)
	if cs.HasPath {
		buf = quicvarint.Append(buf, ParamPath)
		buf = appendVarIntBytes(buf, []byte(cs.Path))
	}
	return buf
}

// ParseServerSetup parses a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := newBufReader(data)
	var ss ServerSetup

	var err error
	ss.SelectedVersion, err = r.readVarint()
	if err != nil {
		return ss, &ParseError{Field: "selected_version", Err: err}
	}

	numParams, err := r.readVarint()
	if err != nil {
		return ss, &ParseError{Field: "num_params", Err: err}
	}

	for i := uint64(0); i < numParams; i++ {
		key, err := r.readVarint()
		if err != nil {
			return ss, &ParseError{Field: "param_key", Err: err}
		}

		if key%2 == 1 {
			if _, err := r.readVarIntBytes(); err != nil {
				return ss, &ParseError{Field: "param_value", Err: err}
			}
		} else {
			val, err := r.readVarint()
			if err != nil {
				return ss, &ParseError{Field: "param_value", Err: err}
			}
			if key == ParamMaxRequestID {
				ss.MaxRequestID = val
			}
		}
	}

	return ss, nil
}

// SerializeSubscribe serializes a SUBSCRIBE payload.
func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.ID)
	buf = appendVarIntBytes(buf, []byte(s.Broadcast))
	buf = appendVarIntBytes(buf, []byte(s.Track))
	buf = append(buf, s.Priority)
	return buf
}

// ParseSubscribeOK parses a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := newBufReader(data)
	var sok SubscribeOK

	var err error
	sok.ID, err = r.readVarint()
	if err != nil {
		return sok, &ParseError{Field: "id", Err: err}
	}

	// Priority is optional for older publishers.
	if p, err := r.readByte(); err == nil {
		sok.Priority = p
	}
	return sok, nil
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := newBufReader(data)
	var se SubscribeError

	var err error
	se.ID, err = r.readVarint()
	if err != nil {
		return se, &ParseError{Field: "id", Err: err}
	}
	se.ErrorCode, err = r.readVarint()
	if err != nil {
		return se, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return se, &ParseError{Field: "reason", Err: err}
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

// SerializeUnsubscribe serializes an UNSUBSCRIBE payload.
func SerializeUnsubscribe(u Unsubscribe) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, u.ID)
	return buf
}

// SerializeAnnouncePlease serializes an ANNOUNCE_PLEASE payload.
func SerializeAnnouncePlease(ap AnnouncePlease) []byte {
	var buf []byte
	buf = appendVarIntBytes(buf, []byte(ap.Prefix))
	return buf
}

// ParseAnnounce parses an ANNOUNCE payload.
func ParseAnnounce(data []byte) (Announce, error) {
	r := newBufReader(data)
	var a Announce

	active, err := r.readByte()
	if err != nil {
		return a, &ParseError{Field: "active", Err: err}
	}
	a.Active = active != 0

	path, err := r.readVarIntBytes()
	if err != nil {
		return a, &ParseError{Field: "path", Err: err}
	}
	a.Path = string(path)
	return a, nil
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	r := newBufReader(data)
	uri, err := r.readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "uri", Err: err}
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// Serializers for the publisher side of each message, used by the
// in-process test publisher and kept symmetric with the parsers.

// SerializeServerSetup serializes a SERVER_SETUP payload.
func SerializeServerSetup(ss ServerSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, ss.SelectedVersion)
	buf = quicvarint.Append(buf, 1)
	buf = quicvarint.Append(buf, ParamMaxRequestID)
	buf = quicvarint.Append(buf, ss.MaxRequestID)
	return buf
}

// ParseClientSetup parses a CLIENT_SETUP payload.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := newBufReader(data)
	var cs ClientSetup

	numVersions, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_versions", Err: err}
	}

	cs.Versions = make([]uint64, numVersions)
	for i := uint64(0); i < numVersions; i++ {
		v, err := r.readVarint()
		if err != nil {
			return cs, &ParseError{Field: "version", Err: err}
		}
		cs.Versions[i] = v
	}

	numParams, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_params", Err: err}
	}

	for i := uint64(0); i < numParams; i++ {
		key, err := r.readVarint()
		if err != nil {
			return cs, &ParseError{Field: "param_key", Err: err}
		}

		if key%2 == 1 {
			val, err := r.readVarIntBytes()
			if err != nil {
				return cs, &ParseError{Field: "param_value", Err: err}
			}
			if key == ParamPath {
				cs.Path = string(val)
				cs.HasPath = true
			}
		} else {
			if _, err := r.readVarint(); err != nil {
				return cs, &ParseError{Field: "param_value", Err: err}
			}
		}
	}

	return cs, nil
}

// ParseSubscribe parses a SUBSCRIBE payload.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := newBufReader(data)
	var s Subscribe

	var err error
	s.ID, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "id", Err: err}
	}

	broadcast, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "broadcast", Err: err}
	}
	s.Broadcast = string(broadcast)

	track, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "track", Err: err}
	}
	s.Track = string(track)

	s.Priority, err = r.readByte()
	if err != nil {
		return s, &ParseError{Field: "priority", Err: err}
	}
	return s, nil
}

// ParseUnsubscribe parses an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	r := newBufReader(data)
	id, err := r.readVarint()
	if err != nil {
		return Unsubscribe{}, &ParseError{Field: "id", Err: err}
	}
	return Unsubscribe{ID: id}, nil
}

// ParseAnnouncePlease parses an ANNOUNCE_PLEASE payload.
func ParseAnnouncePlease(data []byte) (AnnouncePlease, error) {
	r := newBufReader(data)
	prefix, err := r.readVarIntBytes()
	if err != nil {
		return AnnouncePlease{}, &ParseError{Field: "prefix", Err: err}
	}
	return AnnouncePlease{Prefix: string(prefix)}, nil
}

// SerializeSubscribeOK serializes a SUBSCRIBE_OK payload.
func SerializeSubscribeOK(sok SubscribeOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, sok.ID)
	buf = append(buf, sok.Priority)
	return buf
}

// SerializeSubscribeError serializes a SUBSCRIBE_ERROR payload.
func SerializeSubscribeError(se SubscribeError) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, se.ID)
	buf = quicvarint.Append(buf, se.ErrorCode)
	buf = appendVarIntBytes(buf, []byte(se.ReasonPhrase))
	return buf
}

// SerializeAnnounce serializes an ANNOUNCE payload.
func SerializeAnnounce(a Announce) []byte {
	var buf []byte
	if a.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendVarIntBytes(buf, []byte(a.Path))
	return buf
}

// SerializeGoAway serializes a GOAWAY payload.
func SerializeGoAway(ga GoAway) []byte {
	var buf []byte
	buf = appendVarIntBytes(buf, []byte(ga.NewSessionURI))
	return buf
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) || end < b.pos {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
