// Package jitter implements the frame consumer: a per-track jitter
// buffer that reorders concurrently-arriving groups, bounds end-to-end
// latency by skipping slow groups whole, and exposes a single ordered
// NextFrame stream.
//
// Groups correspond to self-decodable units, so only whole groups are
// ever dropped; a partially-consumed group is never resumed after a
// skip.
package jitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/lens/internal/container"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/reactive"
)

var (
	// ErrClosed reports orderly end of the consumer: the track finished or
	// the consumer was closed.
	ErrClosed = errors.New("jitter: closed")

	// ErrInvalidState reports API misuse: a second concurrent NextFrame
	// call while one is already waiting.
	ErrInvalidState = errors.New("jitter: concurrent NextFrame")
)

// TrackSource yields group handles in delivery order. *moq.Track
// satisfies it through a thin adapter; tests use in-memory fakes.
type TrackSource interface {
	NextGroup(ctx context.Context) (GroupSource, error)
}

// GroupSource yields the raw frame bodies of one group in decode order.
type GroupSource interface {
	Sequence() uint64
	ReadFrame(ctx context.Context) ([]byte, error)
	Close()
}

// ConsumerConfig holds the parameters for creating a Consumer.
type ConsumerConfig struct {
	Track TrackSource
	Mode  container.Mode

	// Latency bounds how far the buffer may stretch before the active
	// group is skipped.
	Latency *reactive.Signal[time.Duration]

	Log *slog.Logger
}

// groupBuffer is the in-memory state of one known group.
type groupBuffer struct {
	seq    uint64
	src    GroupSource
	frames []*media.Frame
	ended  bool
}

// Consumer reorders groups and frames into a monotonic decode-order
// stream. At most one goroutine may wait in NextFrame at a time.
type Consumer struct {
	log     *slog.Logger
	track   TrackSource
	mode    container.Mode
	latency *reactive.Signal[time.Duration]

	cancel context.CancelFunc

	mu         sync.Mutex
	groups     map[uint64]*groupBuffer
	active     uint64
	activeSet  bool
	latestTS   time.Duration
	hasLatest  bool
	trackEnded bool
	waiting    bool
	closed     bool

	wake     chan struct{}
	closedCh chan struct{}

	bytes atomic.Int64
	skips *reactive.Signal[uint64]
}

// NewConsumer starts consuming groups from the track. The consumer owns
// background tasks bounded by ctx; Close (or ctx cancellation) stops
// them and releases every buffered frame.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) *Consumer {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	latency := cfg.Latency
	if latency == nil {
		latency = reactive.NewSignal(100 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Consumer{
		log:      log.With("component", "jitter"),
		track:    cfg.Track,
		mode:     cfg.Mode,
		latency:  latency,
		cancel:   cancel,
		groups:   make(map[uint64]*groupBuffer),
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
		skips:    reactive.NewSignal(uint64(0)),
	}

	go c.pullGroups(ctx)
	context.AfterFunc(ctx, c.Close)
	return c
}

// Skips returns a counter signal incremented once per latency skip.
func (c *Consumer) Skips() *reactive.Signal[uint64] { return c.skips }

// BytesReceived returns the total payload bytes buffered so far.
func (c *Consumer) BytesReceived() int64 { return c.bytes.Load() }

// NextFrame returns the next frame in decode order: the active group's
// frames first, then the next group once the active one finishes or is
// skipped. It returns ErrClosed when the track ends or the consumer
// closes, and ErrInvalidState if another NextFrame is already waiting.
func (c *Consumer) NextFrame(ctx context.Context) (*media.Frame, error) {
	c.mu.Lock()
	if c.waiting {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	c.waiting = true
	defer func() {
		c.waiting = false
		c.mu.Unlock()
	}()

	for {
		if c.closed {
			return nil, ErrClosed
		}

		if c.activeSet {
			if frame, ok := c.takeActiveLocked(); ok {
				return frame, nil
			}
			if c.doneLocked() {
				return nil, ErrClosed
			}
		} else if c.trackEnded && len(c.groups) == 0 {
			return nil, ErrClosed
		}

		// Drain any stale wakeup, then sleep until a frame for the active
		// group arrives, a skip advances the cursor, or we are closed.
		select {
		case <-c.wake:
		default:
		}
		c.mu.Unlock()
		select {
		case <-c.wake:
		case <-c.closedCh:
		case <-ctx.Done():
			c.mu.Lock()
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
}

// takeActiveLocked pops the next frame of the active group, advancing
// past finished groups. Returns false when the caller must wait.
func (c *Consumer) takeActiveLocked() (*media.Frame, bool) {
	for {
		g := c.groups[c.active]
		if g == nil {
			return nil, false
		}
		if len(g.frames) > 0 {
			frame := g.frames[0]
			g.frames = g.frames[1:]
			return frame, true
		}
		if !g.ended {
			return nil, false
		}

		// Advance rule: the group is exhausted; move to the next sequence
		// whether or not it has arrived yet.
		delete(c.groups, c.active)
		g.src.Close()
		c.active++
	}
}

// doneLocked reports whether no further frames can ever arrive.
func (c *Consumer) doneLocked() bool {
	if !c.trackEnded {
		return false
	}
	for seq := range c.groups {
		if seq >= c.active {
			return false
		}
	}
	return true
}

// pullGroups accepts new groups from the track until it ends.
func (c *Consumer) pullGroups(ctx context.Context) {
	for {
		src, err := c.track.NextGroup(ctx)
		if err != nil {
			c.mu.Lock()
			c.trackEnded = true
			c.mu.Unlock()
			c.signal()
			if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
				c.log.Debug("track ended", "error", err)
			}
			return
		}
		c.addGroup(ctx, src)
	}
}

// addGroup registers a newly-arrived group and starts its frame reader.
func (c *Consumer) addGroup(ctx context.Context, src GroupSource) {
	seq := src.Sequence()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		src.Close()
		return
	}
	if !c.activeSet {
		// First-group rule: the live edge starts wherever delivery starts.
		c.active = seq
		c.activeSet = true
	} else if seq < c.active {
		c.mu.Unlock()
		c.log.Debug("discarding stale group", "group", seq, "active", c.active)
		src.Close()
		return
	}
	if _, exists := c.groups[seq]; exists {
		c.mu.Unlock()
		c.log.Warn("duplicate group delivery", "group", seq)
		src.Close()
		return
	}
	g := &groupBuffer{seq: seq, src: src}
	c.groups[seq] = g
	c.mu.Unlock()

	go c.readFrames(ctx, g)
}

// readFrames drains one group stream, tagging each frame with its
// timestamp, group sequence, and keyframe flag.
func (c *Consumer) readFrames(ctx context.Context, g *groupBuffer) {
	first := true
	for {
		data, err := g.src.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && ctx.Err() == nil && !isTransportEnd(err) {
				c.log.Warn("frame read failed", "group", g.seq, "error", err)
			}
			c.mu.Lock()
			g.ended = true
			c.mu.Unlock()
			c.signal()
			return
		}

		ts, payload, err := container.SplitTimestamp(data, c.mode)
		if err != nil {
			c.log.Warn("bad frame header, abandoning group", "group", g.seq, "error", err)
			c.mu.Lock()
			g.ended = true
			c.mu.Unlock()
			g.src.Close()
			c.signal()
			return
		}

		frame := &media.Frame{
			Data:      payload,
			Timestamp: ts,
			Keyframe:  first,
			Group:     g.seq,
		}
		first = false
		c.bytes.Add(int64(len(payload)))
		c.insert(g, frame)
	}
}

// insert buffers a decoded frame, waking the consumer when it belongs to
// the active group and enforcing the latency budget otherwise.
func (c *Consumer) insert(g *groupBuffer, frame *media.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	g.frames = append(g.frames, frame)
	if !c.hasLatest || frame.Timestamp > c.latestTS {
		c.latestTS = frame.Timestamp
		c.hasLatest = true
	}

	if c.activeSet && g.seq == c.active {
		c.mu.Unlock()
		c.signal()
		return
	}

	skipped := c.maybeSkipLocked()
	c.mu.Unlock()
	if skipped {
		c.signal()
	}
}

// maybeSkipLocked applies the skip rule: with two or more groups
// buffered, if the span between the earliest unconsumed timestamp and
// the latest known timestamp exceeds the latency budget, the active
// group is dropped whole and the cursor jumps to the next known group.
func (c *Consumer) maybeSkipLocked() bool {
	if !c.activeSet || len(c.groups) < 2 || !c.hasLatest {
		return false
	}

	earliest := time.Duration(-1)
	for _, g := range c.groups {
		if len(g.frames) == 0 {
			continue
		}
		if ts := g.frames[0].Timestamp; earliest < 0 || ts < earliest {
			earliest = ts
		}
	}
	if earliest < 0 {
		return false
	}

	budget := c.latency.Peek()
	if c.latestTS-earliest <= budget {
		return false
	}

	if g := c.groups[c.active]; g != nil {
		delete(c.groups, c.active)
		g.frames = nil
		g.src.Close()
	}

	next := uint64(0)
	found := false
	for seq := range c.groups {
		if seq > c.active && (!found || seq < next) {
			next = seq
			found = true
		}
	}
	if !found {
		// Nothing newer buffered; fall back to the advance rule.
		c.active++
	} else {
		c.active = next
	}

	c.skips.Update(func(n uint64) uint64 { return n + 1 })
	c.log.Debug("latency skip", "active", c.active, "span", c.latestTS-earliest, "budget", budget)
	return true
}

// signal wakes the waiter, if any. Notifications coalesce.
func (c *Consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close frees all buffered frames, closes every group handle, and wakes
// any waiter with ErrClosed. Safe to call multiple times.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	groups := c.groups
	c.groups = make(map[uint64]*groupBuffer)
	c.mu.Unlock()

	close(c.closedCh)
	c.cancel()
	for _, g := range groups {
		g.frames = nil
		g.src.Close()
	}
}

// isTransportEnd reports whether err is an orderly end-of-stream from
// the transport layer rather than a failure.
func isTransportEnd(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
