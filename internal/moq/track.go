package moq

import (
	"context"
	"sync"
)

// Broadcast is a lazily-subscribed handle on a named broadcast. It
// carries no state beyond the path; all traffic starts at Subscribe.
type Broadcast struct {
	sess *Session
	path string
}

// Path returns the broadcast path.
func (b *Broadcast) Path() string { return b.path }

// Subscribe requests delivery of a track and blocks until the publisher
// accepts or rejects it. Priority zero is highest.
func (b *Broadcast) Subscribe(ctx context.Context, track string, priority byte) (*Track, error) {
	return b.sess.subscribe(ctx, b.path, track, priority)
}

// Track is an active subscription yielding groups in delivery order.
type Track struct {
	sess *Session
	id   uint64
	name string

	groups chan *Group

	endOnce sync.Once
	ended   chan struct{}
}

func newTrack(sess *Session, id uint64, name string) *Track {
	return &Track{
		sess:   sess,
		id:     id,
		name:   name,
		groups: make(chan *Group, groupChanSize),
		ended:  make(chan struct{}),
	}
}

// Name returns the track name.
func (t *Track) Name() string { return t.name }

// NextGroup blocks until the next group stream arrives, returning
// ErrClosed when the subscription ends.
func (t *Track) NextGroup(ctx context.Context) (*Group, error) {
	select {
	case g := <-t.groups:
		return g, nil
	default:
	}

	select {
	case g := <-t.groups:
		return g, nil
	case <-t.ended:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver hands an incoming group stream to the subscription. If the
// consumer is hopelessly behind, the group is discarded.
func (t *Track) deliver(g *Group) {
	select {
	case <-t.ended:
		g.Close()
		return
	default:
	}
	select {
	case t.groups <- g:
	default:
		t.sess.log.Warn("group queue full, discarding", "track", t.name, "group", g.Sequence())
		g.Close()
	}
}

// Close cancels the subscription. Buffered and in-flight groups are
// discarded. Safe to call multiple times.
func (t *Track) Close() {
	t.sess.unsubscribe(t.id)
}

// end marks the subscription finished and releases buffered groups.
// Called by the session on unsubscribe, rejection, or session close.
func (t *Track) end() {
	t.endOnce.Do(func() {
		close(t.ended)
		for {
			select {
			case g := <-t.groups:
				g.Close()
			default:
				return
			}
		}
	})
}
