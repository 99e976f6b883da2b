package moq

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func testSession() *Session {
	return &Session{
		log:       slog.Default(),
		subs:      make(map[uint64]*Track),
		pending:   make(map[uint64]chan error),
		announces: make(map[string]*AnnounceStream),
		closed:    make(chan struct{}),
	}
}

func TestAnnounceStreamDelivery(t *testing.T) {
	t.Parallel()
	as := newAnnounceStream(testSession(), "live/")

	as.deliver(Announce{Path: "alice", Active: true})
	as.deliver(Announce{Path: "alice", Active: false})

	ctx := context.Background()
	first, err := as.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Path != "alice" || !first.Active {
		t.Errorf("first announce: got %+v", first)
	}

	second, err := as.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Active {
		t.Errorf("second announce should be inactive: %+v", second)
	}
}

func TestAnnounceStreamEnds(t *testing.T) {
	t.Parallel()
	as := newAnnounceStream(testSession(), "live/")
	as.end()

	if _, err := as.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ended stream: got %v, want ErrClosed", err)
	}

	// Deliveries after end are dropped, not panics.
	as.deliver(Announce{Path: "late", Active: true})
}

func TestAnnounceStreamDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	s := testSession()
	as := newAnnounceStream(s, "live/")

	for i := 0; i < announceChanSize+4; i++ {
		as.deliver(Announce{Path: "alice", Active: i%2 == 0})
	}

	// The stream still yields without blocking and retains the newest
	// announceChanSize entries.
	got := 0
	for {
		select {
		case <-as.updates:
			got++
			continue
		default:
		}
		break
	}
	if got != announceChanSize {
		t.Fatalf("buffered announces: got %d, want %d", got, announceChanSize)
	}
}
