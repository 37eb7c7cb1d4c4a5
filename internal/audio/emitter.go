// Package audio produces beats at their scheduled instants. There is no
// sound device here: the Emitter fires a timer per beat on the session clock,
// writes a log line and fans the beat out to subscribers such as the control
// API's beat stream.
package audio

import (
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/scheduler"
)

// Emitted is a beat at the moment it was produced.
type Emitted struct {
	Beat  scheduler.Beat `json:"beat"`
	Muted bool           `json:"muted"`
	// Late is how far after Beat.At the timer actually fired.
	Late time.Duration `json:"late"`
}

type Options struct {
	// Log writes one AUDIO line per beat.
	Log  bool
	Mute bool
}

// Emitter implements scheduler.Emitter. It is safe for concurrent use; the
// timers it arms fire on the clock's goroutines.
type Emitter struct {
	clk  clock.Clock
	logs bool
	mute atomic.Bool

	mu      sync.Mutex
	pending map[int64]clock.Timer
	subs    map[chan Emitted]struct{}
	hooks   []func(Emitted)
}

var _ scheduler.Emitter = (*Emitter)(nil)

func New(c clock.Clock, opts Options) *Emitter {
	e := &Emitter{
		clk:     c,
		logs:    opts.Log,
		pending: make(map[int64]clock.Timer),
		subs:    make(map[chan Emitted]struct{}),
	}
	e.mute.Store(opts.Mute)
	return e
}

// SetMute silences output without touching the schedule.
func (e *Emitter) SetMute(m bool) { e.mute.Store(m) }

func (e *Emitter) Muted() bool { return e.mute.Load() }

// OnEmit registers fn to run, on the timer goroutine, for every produced beat.
func (e *Emitter) OnEmit(fn func(Emitted)) {
	e.mu.Lock()
	e.hooks = append(e.hooks, fn)
	e.mu.Unlock()
}

func (e *Emitter) Schedule(b scheduler.Beat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.pending[b.Number]; ok {
		old.Stop()
	}
	e.pending[b.Number] = e.clk.AfterFunc(b.At-e.clk.Now(), func() { e.fire(b) })
}

func (e *Emitter) Cancel() {
	e.mu.Lock()
	for n, t := range e.pending {
		t.Stop()
		delete(e.pending, n)
	}
	e.mu.Unlock()
}

// Pending returns the number of beats scheduled but not yet produced.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Emitter) fire(b scheduler.Beat) {
	out := Emitted{Beat: b, Muted: e.mute.Load(), Late: e.clk.Now() - b.At}

	e.mu.Lock()
	delete(e.pending, b.Number)
	hooks := slices.Clone(e.hooks)
	for ch := range e.subs {
		select {
		case ch <- out:
		default:
			// slow subscriber
		}
	}
	e.mu.Unlock()

	if e.logs && !out.Muted {
		word := "tick"
		if b.Accent {
			word = "TOCK"
		}
		log.Printf("AUDIO: %s beat=%d index=%d late=%s", word, b.Number, b.Index, out.Late)
	}
	for _, fn := range hooks {
		fn(out)
	}
}

// Subscribe returns a channel of produced beats. Beats are dropped for a
// subscriber that falls behind.
func (e *Emitter) Subscribe() (ch chan Emitted, cancel func()) {
	ch = make(chan Emitted, 32)

	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	cancel = func() {
		e.mu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}
