package moq

import (
	"context"
	"sync"
)

// announceChanSize bounds buffered announcements per prefix stream.
const announceChanSize = 16

// AnnounceStream yields broadcast activity transitions under a path
// prefix, in the order the publisher reports them.
type AnnounceStream struct {
	sess   *Session
	prefix string

	updates chan Announce

	endOnce sync.Once
	ended   chan struct{}
}

func newAnnounceStream(sess *Session, prefix string) *AnnounceStream {
	return &AnnounceStream{
		sess:    sess,
		prefix:  prefix,
		updates: make(chan Announce, announceChanSize),
		ended:   make(chan struct{}),
	}
}

// Prefix returns the requested path prefix.
func (a *AnnounceStream) Prefix() string { return a.prefix }

// Next blocks until the next announcement, returning ErrClosed when the
// stream or session ends.
func (a *AnnounceStream) Next(ctx context.Context) (Announce, error) {
	select {
	case ann := <-a.updates:
		return ann, nil
	default:
	}

	select {
	case ann := <-a.updates:
		return ann, nil
	case <-a.ended:
		return Announce{}, ErrClosed
	case <-ctx.Done():
		return Announce{}, ctx.Err()
	}
}

// deliver enqueues an announcement, dropping the oldest if the consumer
// is not keeping up.
func (a *AnnounceStream) deliver(ann Announce) {
	select {
	case <-a.ended:
		return
	default:
	}
	for {
		select {
		case a.updates <- ann:
			return
		default:
		}
		select {
		case old := <-a.updates:
			a.sess.log.Warn("announce queue full, dropping oldest",
				"prefix", a.prefix, "dropped", old.Path)
		default:
		}
	}
}

// Close stops watching the prefix. Safe to call multiple times.
func (a *AnnounceStream) Close() {
	a.sess.forgetAnnounce(a.prefix)
	a.end()
}

func (a *AnnounceStream) end() {
	a.endOnce.Do(func() { close(a.ended) })
}
