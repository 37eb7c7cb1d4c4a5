package audio

import (
	"sync"

	"github.com/petervdpas/goopbeat/internal/scheduler"
)

// Recorder is a scheduler.Emitter that only remembers what it was asked to
// do.
type Recorder struct {
	mu      sync.Mutex
	beats   []scheduler.Beat
	cancels int
}

var _ scheduler.Emitter = (*Recorder)(nil)

func (r *Recorder) Schedule(b scheduler.Beat) {
	r.mu.Lock()
	r.beats = append(r.beats, b)
	r.mu.Unlock()
}

func (r *Recorder) Cancel() {
	r.mu.Lock()
	r.cancels++
	r.mu.Unlock()
}

func (r *Recorder) Beats() []scheduler.Beat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduler.Beat(nil), r.beats...)
}

func (r *Recorder) Cancels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancels
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.beats = nil
	r.cancels = 0
	r.mu.Unlock()
}
