// Package scheduler turns the room's shared start instant into locally timed
// beat events. A periodic tick commits every beat that falls inside a short
// lookahead window to an Emitter, which does the precise timing.
package scheduler

import (
	"errors"
	"log"
	"math"
	"time"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/proto"
)

var ErrNoStart = errors.New("scheduler: playback has no start instant")

// Beat is one committed beat.
type Beat struct {
	// Number counts beats from the start instant, starting at 0.
	Number int64 `json:"number"`
	// Index is the position in the bar; 0 is the downbeat.
	Index  int  `json:"index"`
	Accent bool `json:"accent"`
	// At is the local clock instant the beat sounds at.
	At time.Duration `json:"at"`
	// LeaderAt is the same instant on the leader's clock, in seconds.
	LeaderAt float64 `json:"leaderAt"`
}

// Emitter produces the audible and visible side of a beat at its instant.
// Schedule may be called slightly ahead of or after Beat.At. Cancel drops
// everything scheduled but not yet emitted.
type Emitter interface {
	Schedule(b Beat)
	Cancel()
}

type Config struct {
	Tick      time.Duration
	Lookahead time.Duration
	Resync    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:      20 * time.Millisecond,
		Lookahead: 60 * time.Millisecond,
		Resync:    600 * time.Millisecond,
	}
}

// SnapStart returns the first bar boundary at or after now plus the lead-in,
// all on the leader's clock in seconds.
func SnapStart(now float64, s proto.PlaybackState) float64 {
	bar := s.BarDuration()
	return math.Ceil((now+s.LeadInMs/1000)/bar) * bar
}

// Position returns how many whole beats have elapsed at leader time l since
// start, clamped at zero, and where that leaves the bar.
func Position(l, start float64, s proto.PlaybackState) (elapsed int64, index int) {
	elapsed = int64(math.Floor((l - start) / s.BeatDuration()))
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, int(elapsed % int64(s.BeatsPerBar))
}

type Scheduler struct {
	cfg     Config
	loop    loop.Loop
	clk     clock.Clock
	emitter Emitter

	offset  float64
	state   proto.PlaybackState
	start   float64
	running bool

	next        int64
	lastEmitted int64

	ticker *loop.Timer
	resync *loop.Timer

	beatHooks []func(Beat)
}

func New(l loop.Loop, c clock.Clock, em Emitter, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.Resync <= 0 {
		cfg.Resync = def.Resync
	}
	return &Scheduler{cfg: cfg, loop: l, clk: c, emitter: em, lastEmitted: -1}
}

// OnBeat registers fn to run for every beat handed to the emitter.
func (s *Scheduler) OnBeat(fn func(Beat)) { s.beatHooks = append(s.beatHooks, fn) }

func (s *Scheduler) Running() bool { return s.running }

func (s *Scheduler) Offset() float64 { return s.offset }

// LeaderNow is the local clock reading translated to the leader's clock.
func (s *Scheduler) LeaderNow() float64 { return clock.Seconds(s.clk) + s.offset }

// CurrentIndex is the bar position at the current instant, or -1 when
// stopped.
func (s *Scheduler) CurrentIndex() int {
	if !s.running {
		return -1
	}
	_, idx := Position(s.LeaderNow(), s.start, s.state)
	return idx
}

// NextBeat is the number of the next beat to be committed.
func (s *Scheduler) NextBeat() int64 { return s.next }

// SetOffset installs a new clock offset. While running, the schedule is
// recomputed immediately.
func (s *Scheduler) SetOffset(o float64) {
	s.offset = o
	if s.running {
		s.Recompute()
	}
}

// Start begins playback of st from scratch. Nothing from a previous run
// carries over.
func (s *Scheduler) Start(st proto.PlaybackState) error {
	start, ok := st.Start()
	if !ok {
		return ErrNoStart
	}
	s.Stop()
	s.state = st.Clone()
	s.start = start
	s.running = true
	s.lastEmitted = -1
	s.Recompute()

	s.ticker = loop.Every(s.loop, s.clk, s.cfg.Tick, s.tick)
	s.resync = loop.Every(s.loop, s.clk, s.cfg.Resync, s.Recompute)
	log.Printf("SCHED: start at leader %.3fs, %v bpm %d/bar, next beat %d", start, st.BPM, st.BeatsPerBar, s.next)
	s.tick()
	return nil
}

// Recompute re-derives the next beat from the current offset. A beat that
// was already committed is never committed again.
func (s *Scheduler) Recompute() {
	if !s.running {
		return
	}
	l := s.LeaderNow()
	n, _ := Position(l, s.start, s.state)
	if s.leaderAt(n) < l {
		n++
	}
	if n <= s.lastEmitted {
		n = s.lastEmitted + 1
	}
	s.next = n
}

// Stop clears all cursors, cancels the timers and drops any beat the emitter
// has not produced yet.
func (s *Scheduler) Stop() {
	wasRunning := s.running
	s.ticker.Stop()
	s.resync.Stop()
	s.ticker, s.resync = nil, nil
	s.running = false
	s.next = 0
	s.lastEmitted = -1
	if s.emitter != nil {
		s.emitter.Cancel()
	}
	if wasRunning {
		log.Printf("SCHED: stopped")
	}
}

func (s *Scheduler) leaderAt(n int64) float64 {
	return s.start + float64(n)*s.state.BeatDuration()
}

func (s *Scheduler) tick() {
	if !s.running {
		return
	}
	horizon := s.clk.Now() + s.cfg.Lookahead
	for {
		leaderAt := s.leaderAt(s.next)
		at := clock.FromSeconds(leaderAt - s.offset)
		if at >= horizon {
			return
		}
		idx := int(s.next % int64(s.state.BeatsPerBar))
		b := Beat{Number: s.next, Index: idx, Accent: idx == 0, At: at, LeaderAt: leaderAt}
		if s.emitter != nil {
			s.emitter.Schedule(b)
		}
		for _, fn := range s.beatHooks {
			fn(b)
		}
		s.lastEmitted = s.next
		s.next++
	}
}
