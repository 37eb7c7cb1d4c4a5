// Package clock provides the monotonic time source every session component
// reads. A Clock reading is a duration since an arbitrary per-clock origin,
// the way an audio device clock counts from when the device was opened.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is a monotonic clock with one-shot timers.
type Clock interface {
	Now() time.Duration
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// Seconds returns the clock reading in seconds.
func Seconds(c Clock) float64 { return c.Now().Seconds() }

// Millis returns the clock reading in fractional milliseconds.
func Millis(c Clock) float64 { return float64(c.Now()) / float64(time.Millisecond) }

// FromSeconds converts fractional seconds to a duration.
func FromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// System is the process monotonic clock, zeroed when it is created.
type System struct {
	origin time.Time
}

func NewSystem() *System {
	return &System{origin: time.Now()}
}

func (s *System) Now() time.Duration { return time.Since(s.origin) }

func (s *System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Skewed is a view of a base clock with its origin moved by Shift. Peers in
// one simulation share a base so they live on the same real timeline while
// each reads a different local clock.
type Skewed struct {
	Base  Clock
	Shift time.Duration
}

func (s Skewed) Now() time.Duration { return s.Base.Now() + s.Shift }

func (s Skewed) AfterFunc(d time.Duration, fn func()) Timer {
	return s.Base.AfterFunc(d, fn)
}

// Manual is a clock that only moves when told to. Timers fire synchronously
// on the goroutine that advances the clock, in due order, with Now set to the
// timer's due time while its callback runs.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    uint64
	timers []*manualTimer
}

func NewManual() *Manual { return &Manual{} }

type manualTimer struct {
	m     *Manual
	due   time.Duration
	seq   uint64
	fn    func()
	state int // 0 pending, 1 fired, 2 stopped
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.state != 0 {
		return false
	}
	t.state = 2
	t.m.remove(t)
	return true
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, due: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due != m.timers[j].due {
			return m.timers[i].due < m.timers[j].due
		}
		return m.timers[i].seq < m.timers[j].seq
	})
	return t
}

// remove must be called with mu held.
func (m *Manual) remove(t *manualTimer) {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Step fires the earliest pending timer due at or before until, moving Now to
// its due time. It reports whether a timer fired.
func (m *Manual) Step(until time.Duration) bool {
	m.mu.Lock()
	if len(m.timers) == 0 || m.timers[0].due > until {
		m.mu.Unlock()
		return false
	}
	t := m.timers[0]
	m.timers = m.timers[1:]
	t.state = 1
	if t.due > m.now {
		m.now = t.due
	}
	m.mu.Unlock()

	t.fn()
	return true
}

// Set moves Now forward to t without firing anything. Moving backwards is
// ignored.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	m.mu.Unlock()
}

// Advance moves the clock forward by d, firing every timer that comes due,
// including timers scheduled by callbacks within the window.
func (m *Manual) Advance(d time.Duration) {
	until := m.Now() + d
	for m.Step(until) {
	}
	m.Set(until)
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
