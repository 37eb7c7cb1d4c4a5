// Package clocksync estimates how far this peer's audio clock is from the
// leader's. A follower pings the leader over a direct channel, turns each
// pong into an offset sample and aggregates a bounded window of them.
//
// An Engine belongs to one session loop. None of its methods are safe to call
// from other goroutines.
package clocksync

import (
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/util"
)

type Phase int

const (
	Uncalibrated Phase = iota
	Calibrating
	Synced
)

func (p Phase) String() string {
	switch p {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{Uncalibrated, Calibrating, Synced} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown sync phase %q", b)
}

type Config struct {
	CalibrationInterval time.Duration
	CalibrationDuration time.Duration
	ContinuousInterval  time.Duration
	Window              int
}

func DefaultConfig() Config {
	return Config{
		CalibrationInterval: 150 * time.Millisecond,
		CalibrationDuration: 2 * time.Second,
		ContinuousInterval:  5 * time.Second,
		Window:              20,
	}
}

// SendFunc writes a record to the direct leader channel.
type SendFunc func(proto.Envelope) error

type Engine struct {
	cfg  Config
	loop loop.Loop
	clk  clock.Clock

	send      SendFunc
	phase     Phase
	samples   *util.RingBuffer[Sample]
	offset    float64
	estimated bool
	lastRTT   float64

	pinger   *loop.Timer
	burstEnd *loop.Timer

	offsetHooks []func(float64)
	phaseHooks  []func(from, to Phase)
	sampleHooks []func(Sample)
}

func New(l loop.Loop, c clock.Clock, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.CalibrationInterval <= 0 {
		cfg.CalibrationInterval = def.CalibrationInterval
	}
	if cfg.CalibrationDuration <= 0 {
		cfg.CalibrationDuration = def.CalibrationDuration
	}
	if cfg.ContinuousInterval <= 0 {
		cfg.ContinuousInterval = def.ContinuousInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Engine{
		cfg:     cfg,
		loop:    l,
		clk:     c,
		samples: util.NewRingBuffer[Sample](cfg.Window),
	}
}

// OnOffset registers fn to run with every new effective offset.
func (e *Engine) OnOffset(fn func(float64)) { e.offsetHooks = append(e.offsetHooks, fn) }

// OnPhase registers fn to run on every phase transition.
func (e *Engine) OnPhase(fn func(from, to Phase)) { e.phaseHooks = append(e.phaseHooks, fn) }

// OnSample registers fn to run for every accepted sample.
func (e *Engine) OnSample(fn func(Sample)) { e.sampleHooks = append(e.sampleHooks, fn) }

func (e *Engine) Phase() Phase { return e.phase }

// Offset is the correction added to a local clock reading to obtain the
// leader's reading at the same instant.
func (e *Engine) Offset() float64 { return e.offset }

// HasEstimate reports whether Offset is backed by at least one sample, or by
// this peer being the leader.
func (e *Engine) HasEstimate() bool { return e.estimated }

func (e *Engine) Samples() []Sample { return e.samples.Snapshot() }

func (e *Engine) SampleCount() int { return e.samples.Len() }

// LastRTT is the round trip of the newest accepted sample, in milliseconds.
func (e *Engine) LastRTT() float64 { return e.lastRTT }

// Attached reports whether a direct leader channel is in use.
func (e *Engine) Attached() bool { return e.send != nil }

// Attach starts syncing over a freshly opened direct leader channel. Any
// previous samples belong to another channel and are dropped.
func (e *Engine) Attach(send SendFunc) {
	e.stopTimers()
	e.send = send
	e.clearSamples()
	e.startBurst()
}

// Detach stops syncing and forgets the estimate. It is called when the
// direct channel closes or is replaced.
func (e *Engine) Detach() {
	e.stopTimers()
	e.send = nil
	e.clearSamples()
	e.setPhase(Uncalibrated)
}

// BecomeLeader pins the offset to zero. A leader never pings itself.
func (e *Engine) BecomeLeader() {
	e.stopTimers()
	e.send = nil
	e.clearSamples()
	e.estimated = true
	e.setPhase(Synced)
	e.emitOffset()
}

// Calibrate starts a fresh burst on the attached channel. With reset, the
// window is emptied first. It reports false when there is no channel.
func (e *Engine) Calibrate(reset bool) bool {
	if e.send == nil {
		return false
	}
	e.stopTimers()
	if reset {
		e.clearSamples()
	}
	e.startBurst()
	return true
}

// Stop cancels every timer and drops the estimate.
func (e *Engine) Stop() {
	e.Detach()
}

func (e *Engine) startBurst() {
	e.setPhase(Calibrating)
	e.ping(true)
	e.pinger = loop.Every(e.loop, e.clk, e.cfg.CalibrationInterval, func() { e.ping(true) })
	e.burstEnd = loop.After(e.loop, e.clk, e.cfg.CalibrationDuration, e.finishBurst)
}

func (e *Engine) finishBurst() {
	e.pinger.Stop()
	if e.send == nil {
		return
	}
	log.Printf("SYNC: calibration done, %d samples, offset %.3fms", e.samples.Len(), e.offset*1000)
	e.setPhase(Synced)
	e.pinger = loop.Every(e.loop, e.clk, e.cfg.ContinuousInterval, func() { e.ping(false) })
}

func (e *Engine) ping(calibrating bool) {
	if e.send == nil {
		return
	}
	if err := e.send(proto.Ping(clock.Millis(e.clk), calibrating)); err != nil {
		log.Printf("SYNC: ping failed: %v", err)
	}
}

// HandlePong turns a pong from the leader into a sample. Pongs arriving while
// detached, or with a round trip that cannot be right, are ignored.
func (e *Engine) HandlePong(env proto.Envelope) (Sample, bool) {
	if e.send == nil {
		return Sample{}, false
	}
	now := clock.Seconds(e.clk)
	rtt := now*1000 - env.T0
	if rtt < 0 {
		log.Printf("SYNC: dropping pong with t0=%v", env.T0)
		return Sample{}, false
	}
	// The local clock is read on arrival and half the round trip added
	// to it.
	s := Sample{
		OffsetSeconds: env.LeaderAudioTime - (now + rtt/2000),
		RoundTripMs:   rtt,
	}
	e.samples.Push(s)
	e.lastRTT = rtt
	e.offset, e.estimated = Aggregate(e.samples.Snapshot())
	for _, fn := range e.sampleHooks {
		fn(s)
	}
	e.emitOffset()
	return s, true
}

// Reply answers a ping on the leader side, reading the clock at reply time.
func Reply(c clock.Clock, ping proto.Envelope) proto.Envelope {
	return proto.Pong(ping.T0, clock.Seconds(c), clock.Millis(c), ping.Calibrate)
}

func (e *Engine) clearSamples() {
	e.samples.Reset()
	e.offset = 0
	e.estimated = false
	e.lastRTT = 0
}

func (e *Engine) stopTimers() {
	e.pinger.Stop()
	e.burstEnd.Stop()
	e.pinger, e.burstEnd = nil, nil
}

func (e *Engine) setPhase(p Phase) {
	if e.phase == p {
		return
	}
	from := e.phase
	e.phase = p
	log.Printf("SYNC: %s -> %s", from, p)
	for _, fn := range e.phaseHooks {
		fn(from, p)
	}
}

func (e *Engine) emitOffset() {
	for _, fn := range e.offsetHooks {
		fn(e.offset)
	}
}
