package clocksync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/proto"
)

func TestAggregateRejectsRTTOutlier(t *testing.T) {
	samples := []Sample{
		{OffsetSeconds: 10, RoundTripMs: 20},
		{OffsetSeconds: 12, RoundTripMs: 22},
		{OffsetSeconds: 11, RoundTripMs: 21},
		{OffsetSeconds: 500, RoundTripMs: 900},
	}
	got, ok := Aggregate(samples)
	require.True(t, ok)
	assert.InDelta(t, 11, got, 1e-9)
}

func TestAggregateMeanBelowThree(t *testing.T) {
	got, ok := Aggregate([]Sample{{OffsetSeconds: 1, RoundTripMs: 10}, {OffsetSeconds: 3, RoundTripMs: 900}})
	require.True(t, ok)
	assert.InDelta(t, 2, got, 1e-9)

	_, ok = Aggregate(nil)
	assert.False(t, ok)
}

func TestAggregateZeroDispersionKeepsAll(t *testing.T) {
	got, ok := Aggregate([]Sample{
		{OffsetSeconds: 1, RoundTripMs: 30},
		{OffsetSeconds: 2, RoundTripMs: 30},
		{OffsetSeconds: 6, RoundTripMs: 30},
	})
	require.True(t, ok)
	assert.InDelta(t, 3, got, 1e-9)
}

func TestMedianAndStddev(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.InDelta(t, 2.0, stddev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
}

// leaderStub answers pings on a fixed leader clock after a fixed one-way
// delay in each direction.
type leaderStub struct {
	clk      *clock.Manual
	leader   clock.Clock
	delay    time.Duration
	engine   *Engine
	l        *loop.Manual
	pings    []proto.Envelope
	dropNext bool
}

func (s *leaderStub) send(env proto.Envelope) error {
	s.pings = append(s.pings, env)
	if s.dropNext {
		s.dropNext = false
		return nil
	}
	s.clk.AfterFunc(s.delay, func() {
		pong := Reply(s.leader, env)
		s.clk.AfterFunc(s.delay, func() {
			s.l.Post(func() { s.engine.HandlePong(pong) })
		})
	})
	return nil
}

func newRig(t *testing.T, skew, delay time.Duration) (*Engine, *leaderStub, *clock.Manual, *loop.Manual) {
	t.Helper()
	clk := clock.NewManual()
	clk.Set(time.Second)
	l := loop.NewManual()
	e := New(l, clk, DefaultConfig())
	stub := &leaderStub{clk: clk, leader: clock.Skewed{Base: clk, Shift: skew}, delay: delay, engine: e, l: l}
	return e, stub, clk, l
}

func run(clk *clock.Manual, l *loop.Manual, d time.Duration) {
	end := clk.Now() + d
	for {
		l.Drain()
		if !clk.Step(end) {
			break
		}
	}
	clk.Set(end)
	l.Drain()
}

func TestBurstThenContinuous(t *testing.T) {
	e, stub, clk, l := newRig(t, 3*time.Second, 10*time.Millisecond)
	var phases []Phase
	e.OnPhase(func(_, to Phase) { phases = append(phases, to) })

	e.Attach(stub.send)
	assert.Equal(t, Calibrating, e.Phase())
	assert.Len(t, stub.pings, 1, "burst pings immediately")

	run(clk, l, 2*time.Second)
	assert.Equal(t, Synced, e.Phase())
	// immediate ping plus one every 150ms up to and including 1950ms
	assert.Len(t, stub.pings, 14)
	for _, p := range stub.pings {
		assert.True(t, p.Calibrate)
	}
	require.True(t, e.HasEstimate())
	// skew minus one full round trip: the leader read its clock half a trip
	// before arrival and the local side adds another half.
	assert.InDelta(t, 2.98, e.Offset(), 1e-6)
	assert.InDelta(t, 20, e.LastRTT(), 1e-6)

	before := len(stub.pings)
	run(clk, l, 5*time.Second)
	require.Len(t, stub.pings, before+1)
	assert.False(t, stub.pings[before].Calibrate)

	assert.Equal(t, []Phase{Calibrating, Synced}, phases)
}

func TestDetachStopsTimersAndClears(t *testing.T) {
	e, stub, clk, l := newRig(t, time.Second, 5*time.Millisecond)
	e.Attach(stub.send)
	run(clk, l, 500*time.Millisecond)
	require.NotZero(t, e.SampleCount())

	e.Detach()
	assert.Equal(t, Uncalibrated, e.Phase())
	assert.Zero(t, e.SampleCount())
	assert.False(t, e.HasEstimate())

	n := len(stub.pings)
	run(clk, l, 10*time.Second)
	assert.Len(t, stub.pings, n, "no pings after detach")
	assert.Equal(t, Uncalibrated, e.Phase(), "a queued burst end must not resurrect the phase")
}

func TestPongOffsetReadsClockOnArrival(t *testing.T) {
	clk := clock.NewManual()
	clk.Set(time.Second)
	l := loop.NewManual()
	e := New(l, clk, DefaultConfig())
	e.Attach(func(proto.Envelope) error { return nil })

	clk.Set(1020 * time.Millisecond)
	s, ok := e.HandlePong(proto.Pong(1000, 5.0, 0, true))
	require.True(t, ok)
	assert.InDelta(t, 20, s.RoundTripMs, 1e-9)
	assert.InDelta(t, 3.97, s.OffsetSeconds, 1e-9)
	assert.InDelta(t, 3.97, e.Offset(), 1e-9)
}

func TestPongWhileDetachedIgnored(t *testing.T) {
	e, _, clk, _ := newRig(t, 0, 0)
	_, ok := e.HandlePong(proto.Pong(clock.Millis(clk), 5, 0, false))
	assert.False(t, ok)
	assert.Zero(t, e.SampleCount())
}

func TestBecomeLeaderPinsZero(t *testing.T) {
	e, stub, clk, l := newRig(t, 2*time.Second, 5*time.Millisecond)
	e.Attach(stub.send)
	run(clk, l, 3*time.Second)
	require.InDelta(t, 1.99, e.Offset(), 1e-6)

	var last float64 = -1
	e.OnOffset(func(o float64) { last = o })
	e.BecomeLeader()
	assert.Equal(t, Synced, e.Phase())
	assert.True(t, e.HasEstimate())
	assert.Zero(t, e.Offset())
	assert.Zero(t, last)

	n := len(stub.pings)
	run(clk, l, 10*time.Second)
	assert.Len(t, stub.pings, n)
}

func TestCalibrateKeepsOrResetsWindow(t *testing.T) {
	e, stub, clk, l := newRig(t, time.Second, 5*time.Millisecond)
	assert.False(t, e.Calibrate(true), "no channel")

	e.Attach(stub.send)
	run(clk, l, 3*time.Second)
	have := e.SampleCount()
	require.NotZero(t, have)

	require.True(t, e.Calibrate(false))
	assert.Equal(t, Calibrating, e.Phase())
	assert.Equal(t, have, e.SampleCount())

	require.True(t, e.Calibrate(true))
	assert.Zero(t, e.SampleCount())
	run(clk, l, 3*time.Second)
	assert.Equal(t, Synced, e.Phase())
	assert.InDelta(t, 0.99, e.Offset(), 1e-6)
}

func TestWindowIsBounded(t *testing.T) {
	clk := clock.NewManual()
	l := loop.NewManual()
	cfg := DefaultConfig()
	cfg.Window = 5
	e := New(l, clk, cfg)
	e.Attach(func(proto.Envelope) error { return nil })
	for i := 0; i < 12; i++ {
		clk.Advance(10 * time.Millisecond)
		e.HandlePong(proto.Pong(clock.Millis(clk)-4, float64(i), 0, true))
	}
	assert.Equal(t, 5, e.SampleCount())
	e.Stop()
}

func TestReplyReadsLeaderClock(t *testing.T) {
	clk := clock.NewManual()
	clk.Set(1500 * time.Millisecond)
	pong := Reply(clk, proto.Ping(42, true))
	assert.Equal(t, proto.TypePong, pong.Type)
	assert.Equal(t, 42.0, pong.T0)
	assert.InDelta(t, 1.5, pong.LeaderAudioTime, 1e-9)
	assert.InDelta(t, 1500, pong.LeaderNow, 1e-9)
	assert.True(t, pong.Calibrate)
}

func TestPhaseJSON(t *testing.T) {
	for _, p := range []Phase{Uncalibrated, Calibrating, Synced} {
		b, err := json.Marshal(struct{ Phase Phase }{p})
		require.NoError(t, err)
		var got struct{ Phase Phase }
		require.NoError(t, json.Unmarshal(b, &got), string(b))
		assert.Equal(t, p, got.Phase)
	}

	var p Phase
	assert.Error(t, json.Unmarshal([]byte(`"drifting"`), &p))
}
