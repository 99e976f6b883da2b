package watch

import (
	"context"
	"errors"

	"github.com/zsiec/lens/internal/assembly"
	"github.com/zsiec/lens/internal/jitter"
	"github.com/zsiec/lens/internal/moq"
	"github.com/zsiec/lens/internal/reactive"
)

// Transport is the connection-level surface the orchestrator consumes.
// *moq.Session satisfies it through Connect; tests use in-memory fakes.
type Transport interface {
	Status() *reactive.Signal[moq.Status]
	Consume(path string) BroadcastSource
	Announced(prefix string) (AnnounceSource, error)
}

// BroadcastSource subscribes tracks of one broadcast.
type BroadcastSource interface {
	Subscribe(ctx context.Context, track string, priority byte) (TrackHandle, error)
}

// TrackHandle is a live subscription consumable by the jitter buffer.
type TrackHandle interface {
	jitter.TrackSource
	Close()
}

// AnnounceSource yields broadcast activity transitions.
type AnnounceSource interface {
	Next(ctx context.Context) (moq.Announce, error)
	Close()
}

// ElementFactory creates a platform media element for the
// container-assembly path, typically a hidden video surface.
type ElementFactory func() (assembly.Element, error)

// Connect adapts a moq session to the Transport interface.
func Connect(sess *moq.Session) Transport {
	return &moqTransport{sess: sess}
}

type moqTransport struct {
	sess *moq.Session
}

func (t *moqTransport) Status() *reactive.Signal[moq.Status] { return t.sess.Status() }

func (t *moqTransport) Consume(path string) BroadcastSource {
	return &moqBroadcast{b: t.sess.Consume(path)}
}

func (t *moqTransport) Announced(prefix string) (AnnounceSource, error) {
	return t.sess.Announced(prefix)
}

type moqBroadcast struct {
	b *moq.Broadcast
}

func (mb *moqBroadcast) Subscribe(ctx context.Context, track string, priority byte) (TrackHandle, error) {
	t, err := mb.b.Subscribe(ctx, track, priority)
	if err != nil {
		return nil, err
	}
	return &moqTrack{t: t}, nil
}

// moqTrack adapts *moq.Track to the jitter-facing interfaces, folding
// the transport's end sentinel into the consumer's.
type moqTrack struct {
	t *moq.Track
}

func (mt *moqTrack) NextGroup(ctx context.Context) (jitter.GroupSource, error) {
	g, err := mt.t.NextGroup(ctx)
	if err != nil {
		if errors.Is(err, moq.ErrClosed) {
			return nil, jitter.ErrClosed
		}
		return nil, err
	}
	return &moqGroup{g: g}, nil
}

func (mt *moqTrack) Close() { mt.t.Close() }

type moqGroup struct {
	g *moq.Group
}

func (mg *moqGroup) Sequence() uint64 { return mg.g.Sequence() }

func (mg *moqGroup) ReadFrame(ctx context.Context) ([]byte, error) {
	data, err := mg.g.ReadFrame(ctx)
	if err != nil && errors.Is(err, moq.ErrClosed) {
		return nil, jitter.ErrClosed
	}
	return data, err
}

func (mg *moqGroup) Close() { mg.g.Close() }
