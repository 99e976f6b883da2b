package moq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// maxFrameSize caps a single frame payload. Frames beyond this indicate
// a corrupt or hostile stream, not real media.
const maxFrameSize = 16 << 20

// frameStream is the subset of quic.ReceiveStream a Group needs. Tests
// substitute in-memory readers.
type frameStream interface {
	CancelRead(quic.StreamErrorCode)
}

// nopCancel adapts a plain reader into a frameStream for tests.
type nopCancel struct{}

func (nopCancel) CancelRead(quic.StreamErrorCode) {}

// Group reads the frames of a single transport group in decode order.
// The first frame of every group is independently decodable.
type Group struct {
	sequence uint64
	reader   io.Reader
	stream   frameStream

	closeOnce sync.Once
	closed    chan struct{}
}

// newGroup wraps an already-parsed group stream. reader must be
// positioned just past the stream header.
func newGroup(sequence uint64, reader io.Reader, stream frameStream) *Group {
	if stream == nil {
		stream = nopCancel{}
	}
	return &Group{
		sequence: sequence,
		reader:   reader,
		stream:   stream,
		closed:   make(chan struct{}),
	}
}

// NewGroupReader builds a Group over an arbitrary reader, used by tests
// and tooling to replay recorded group streams.
func NewGroupReader(sequence uint64, r io.Reader) *Group {
	return newGroup(sequence, r, nil)
}

// Sequence returns the transport-assigned group sequence number.
func (g *Group) Sequence() uint64 { return g.sequence }

// ReadFrame returns the next raw frame body, or ErrClosed at the end of
// the group. Cancellation is observed between frames; a blocked read is
// released by Close.
func (g *Group) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-g.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	br, ok := g.reader.(io.ByteReader)
	if !ok {
		return nil, errors.New("moq: group reader must be buffered")
	}

	size, err := quicvarint.Read(br)
	if err != nil {
		return nil, g.mapReadErr(err)
	}
	if size > maxFrameSize {
		g.Close()
		return nil, fmt.Errorf("moq: frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(g.reader, payload); err != nil {
		return nil, g.mapReadErr(err)
	}
	return payload, nil
}

// mapReadErr folds orderly stream termination into ErrClosed.
func (g *Group) mapReadErr(err error) error {
	select {
	case <-g.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrClosed
	}
	var serr *quic.StreamError
	if errors.As(err, &serr) {
		return ErrClosed
	}
	return fmt.Errorf("moq: read frame: %w", err)
}

// Close abandons the rest of the group and releases the transport
// stream. Safe to call multiple times.
func (g *Group) Close() {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.stream.CancelRead(quic.StreamErrorCode(errCodeNone))
	})
}
