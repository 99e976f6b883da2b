package assembly

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/reactive"
)

// appendEntry is one pending byte range for an append buffer.
type appendEntry struct {
	data []byte
	init bool
}

// appendQueue serializes appends onto one AppendBuffer: FIFO per buffer,
// bounded, discard-oldest on overflow. The init segment is enqueued
// first and is never discarded, so it is always the first bytes the
// buffer sees.
type appendQueue struct {
	log   *slog.Logger
	buf   AppendBuffer
	ready *reactive.Signal[ReadyState]

	mu      sync.Mutex
	pending []appendEntry
	wake    chan struct{}
}

func newAppendQueue(log *slog.Logger, buf AppendBuffer, ready *reactive.Signal[ReadyState], init []byte) *appendQueue {
	q := &appendQueue{
		log:   log,
		buf:   buf,
		ready: ready,
		wake:  make(chan struct{}, 1),
	}
	q.pending = append(q.pending, appendEntry{data: init, init: true})
	return q
}

// enqueue adds a fragment. When the queue is full the oldest non-init
// entry is discarded with a warning (bounded-loss policy, never
// backpressure).
func (q *appendQueue) enqueue(data []byte) {
	q.mu.Lock()
	if len(q.pending) >= media.AppendQueueSize {
		drop := 0
		if q.pending[drop].init {
			drop = 1
		}
		q.log.Warn("append queue full, discarding oldest fragment",
			"bytes", len(q.pending[drop].data))
		q.pending = append(q.pending[:drop], q.pending[drop+1:]...)
	}
	q.pending = append(q.pending, appendEntry{data: data})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains the queue: each append waits for the pipeline to be open
// and the buffer to not be updating. Exits when the context ends or the
// pipeline closes.
func (q *appendQueue) run(ctx context.Context) {
	for {
		entry, ok := q.next(ctx)
		if !ok {
			return
		}
		if q.ready.Peek() == StateClosed {
			q.log.Debug("pipeline closed, stopping appends")
			return
		}

		// An append may only be issued while the pipeline is open and the
		// buffer idle.
		if _, err := q.ready.Wait(ctx, func(s ReadyState) bool { return s == StateOpen }); err != nil {
			return
		}
		if _, err := q.buf.Updating().Wait(ctx, func(updating bool) bool { return !updating }); err != nil {
			return
		}
		if q.ready.Peek() != StateOpen {
			q.log.Debug("pipeline left open state, stopping appends")
			return
		}

		if err := q.buf.Append(entry.data); err != nil {
			q.log.Warn("append failed, stopping", "error", err)
			return
		}
	}
}

// next blocks until an entry is available, returning false on
// cancellation.
func (q *appendQueue) next(ctx context.Context) (appendEntry, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			entry := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return entry, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return appendEntry{}, false
		}
	}
}
