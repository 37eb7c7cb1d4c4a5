package loop

import (
	"time"

	"github.com/petervdpas/goopbeat/internal/clock"
)

// Timer is a cancellable handle for a one-shot or periodic task whose
// callback runs on a Loop. Start and Stop must both happen on that loop; a
// fire that was already queued when Stop ran is discarded.
type Timer struct {
	stopped bool
	t       clock.Timer
}

// Stop cancels the timer. A nil Timer is a no-op.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool { return t != nil && !t.stopped }

// After runs fn on l once, d from now.
func After(l Loop, c clock.Clock, d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = c.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Every runs fn on l every d until stopped. The first run is d from now.
func Every(l Loop, c clock.Clock, d time.Duration, fn func()) *Timer {
	t := &Timer{}
	var arm func()
	arm = func() {
		t.t = c.AfterFunc(d, func() {
			l.Post(func() {
				if t.stopped {
					return
				}
				arm()
				fn()
			})
		})
	}
	arm()
	return t
}
