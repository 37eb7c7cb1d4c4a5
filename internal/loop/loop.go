// Package loop runs a session's handlers on one logical thread. Transport
// callbacks, timer fires and API calls are posted as closures and executed
// one at a time, so the components they touch need no locks.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("loop: stopped")

// Loop is a serial executor.
type Loop interface {
	// Post queues fn to run on the loop. It never blocks.
	Post(fn func())
	// Go runs blocking work off the loop. Results must come back via Post.
	Go(fn func())
	// Call runs fn on the loop and waits for it. It must not be called from
	// the loop itself.
	Call(fn func()) error
}

// Runner is the production Loop: a single goroutine draining an unbounded
// queue.
type Runner struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
}

func NewRunner() *Runner {
	return &Runner{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (r *Runner) Post(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Go(fn func()) { go fn() }

func (r *Runner) Call(fn func()) error {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrStopped
	}
}

// Run executes queued closures until ctx is cancelled. Closures still queued
// at that point are dropped.
func (r *Runner) Run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.closed = true
		r.queue = nil
		r.mu.Unlock()
		close(r.stopped)
	}()

	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
	}
}

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} { return r.stopped }

// Manual is a Loop driven explicitly by the caller, for deterministic tests
// and simulations. Go runs its work inline, so dial results are posted
// before Go returns.
type Manual struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *Manual) Go(fn func()) { fn() }

// Call queues fn and drains the queue, unless a drain is already in
// progress further up the stack, in which case fn simply runs in turn.
func (m *Manual) Call(fn func()) error {
	m.Post(fn)
	m.Drain()
	return nil
}

// Drain runs queued closures, including ones they post, until the queue is
// empty. It returns the number of closures run.
func (m *Manual) Drain() int {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return 0
	}
	m.draining = true
	m.mu.Unlock()

	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return n
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
		n++
	}
}

// Len returns the number of queued closures.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
