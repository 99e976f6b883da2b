package reactive

import (
	"context"
	"sync"
)

// dependency is the untyped view of a Signal held by an Effect so it can
// unsubscribe itself without knowing the value type.
type dependency interface {
	removeDep(e *Effect)
}

// Effect is a reactive scope. Its body runs synchronously to completion,
// registering dependencies on every signal read via Get. When any
// dependency changes the body re-runs: spawned tasks from the previous
// run are cancelled and awaited, nested effects close, cleanups run in
// LIFO order, and then the body executes again against the new values.
//
// Close cancels everything owned by the effect and is idempotent.
type Effect struct {
	body func(*Effect)

	trigger chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	deps     []dependency
	cleanups []func()
	children []*Effect
	runCtx   context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup

	loopDone chan struct{}
}

// Run creates an effect under ctx and executes body synchronously once.
// Subsequent re-runs happen on the effect's own goroutine whenever a
// dependency changes. The returned effect must be closed by the caller
// (closing a parent closes nested effects automatically).
func Run(ctx context.Context, body func(*Effect)) *Effect {
	e := &Effect{
		body:     body,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	e.runBody(ctx)

	go e.loop(ctx)
	return e
}

// loop waits for dependency notifications and re-runs the body until the
// effect is closed or the surrounding context ends.
func (e *Effect) loop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		select {
		case <-ctx.Done():
			e.markClosed()
			e.teardownRun()
			return
		case <-e.done:
			return
		case <-e.trigger:
			e.teardownRun()
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			e.runBody(ctx)
		}
	}
}

// runBody executes the body under a fresh run context.
func (e *Effect) runBody(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	e.body(e)
}

// teardownRun unwinds a single run: cancels spawned tasks, waits for
// them, closes nested effects, runs cleanups LIFO, and unsubscribes
// dependencies. Safe to call concurrently; state is claimed under lock.
func (e *Effect) teardownRun() {
	e.mu.Lock()
	cancel := e.cancel
	cleanups := e.cleanups
	children := e.children
	deps := e.deps
	e.cancel = nil
	e.runCtx = nil
	e.cleanups = nil
	e.children = nil
	e.deps = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.tasks.Wait()

	for _, child := range children {
		child.Close()
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	for _, d := range deps {
		d.removeDep(e)
	}
}

// Cleanup registers fn to run when the current run is torn down (on
// re-run or close). Cleanups run in LIFO order, exactly once. If the
// effect is already closed, fn runs immediately.
func (e *Effect) Cleanup(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn()
		return
	}
	e.cleanups = append(e.cleanups, fn)
	e.mu.Unlock()
}

// Spawn starts fn on its own goroutine, bound to the current run: the
// context cancels when the effect re-runs or closes, and teardown waits
// for fn to return.
func (e *Effect) Spawn(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed || e.runCtx == nil {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	e.tasks.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.tasks.Done()
		fn(ctx)
	}()
}

// Effect creates a nested effect owned by the current run. It closes when
// this effect re-runs or closes.
func (e *Effect) Effect(body func(*Effect)) *Effect {
	e.mu.Lock()
	if e.closed || e.runCtx == nil {
		e.mu.Unlock()
		return closedEffect()
	}
	ctx := e.runCtx
	e.mu.Unlock()

	child := Run(ctx, body)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		child.Close()
		return child
	}
	e.children = append(e.children, child)
	e.mu.Unlock()
	return child
}

// schedule requests a re-run. Multiple notifications coalesce.
func (e *Effect) schedule() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// addDep records a dependency for unsubscription at teardown.
func (e *Effect) addDep(d dependency) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.deps {
		if existing == d {
			return
		}
	}
	e.deps = append(e.deps, d)
}

// markClosed flips the closed flag and signals the loop. Returns whether
// this call performed the transition.
func (e *Effect) markClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	close(e.done)
	return true
}

// Close tears down the effect: spawned tasks are cancelled and awaited,
// nested effects close, cleanups run LIFO, and dependencies are
// unsubscribed. Safe to call multiple times.
func (e *Effect) Close() {
	if !e.markClosed() {
		<-e.loopDone
		return
	}
	<-e.loopDone
	e.teardownRun()
}

// Done returns a channel closed when the effect has been closed.
func (e *Effect) Done() <-chan struct{} { return e.done }

// closedEffect returns an already-closed effect, used when a nested
// effect is requested after teardown began.
func closedEffect() *Effect {
	e := &Effect{
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	e.closed = true
	close(e.done)
	close(e.loopDone)
	return e
}
