// Package testutil runs whole rooms in one goroutine. Every peer gets its own
// manual loop and a skewed view of one shared manual clock; the in-memory
// network delivers records on that same clock, so a cluster run is fully
// deterministic.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/goopbeat/internal/audio"
	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/clocksync"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/scheduler"
	"github.com/petervdpas/goopbeat/internal/session"
	"github.com/petervdpas/goopbeat/internal/transport/memory"
)

// Origin is where the shared clock starts, far enough from zero that skewed
// peer clocks stay positive.
const Origin = 100 * time.Second

// DefaultLatency is the one-way delay between any two peers.
const DefaultLatency = 5 * time.Millisecond

// Peer is one simulated process.
type Peer struct {
	Name     string
	Skew     time.Duration
	Loop     *loop.Manual
	Clock    clock.Skewed
	Recorder *audio.Recorder
	Session  *session.Session
}

// Status fails the test if the loop is gone, which cannot happen with a
// manual loop.
func (p *Peer) Status(t testing.TB) session.Status {
	t.Helper()
	st, err := p.Session.Status()
	if err != nil {
		t.Fatalf("%s status: %v", p.Name, err)
	}
	return st
}

// BaseTime converts a local instant of this peer to shared clock time.
func (p *Peer) BaseTime(local time.Duration) time.Duration { return local - p.Skew }

type Cluster struct {
	T       testing.TB
	Room    string
	Base    *clock.Manual
	Net     *memory.Network
	Peers   []*Peer
	Latency func(from, to string) time.Duration
}

// NewCluster creates an empty room on a fresh clock and network.
func NewCluster(t testing.TB, room string, netOpts ...memory.Option) *Cluster {
	t.Helper()
	c := &Cluster{T: t, Room: room, Base: clock.NewManual()}
	c.Base.Set(Origin)
	opts := []memory.Option{
		memory.WithClock(c.Base),
		memory.WithLatency(func(from, to string) time.Duration {
			if c.Latency != nil {
				return c.Latency(from, to)
			}
			return DefaultLatency
		}),
	}
	c.Net = memory.NewNetwork(append(opts, netOpts...)...)
	return c
}

// Defaults is the playback state every simulated peer starts with.
func Defaults() proto.PlaybackState {
	return proto.PlaybackState{BPM: 120, BeatsPerBar: 4, LeadInMs: 500}
}

// AddPeer creates a peer whose clock reads skew ahead of the shared clock.
// It does not join.
func (c *Cluster) AddPeer(name string, skew time.Duration) *Peer {
	p := &Peer{
		Name:     name,
		Skew:     skew,
		Loop:     loop.NewManual(),
		Clock:    clock.Skewed{Base: c.Base, Shift: skew},
		Recorder: &audio.Recorder{},
	}
	p.Session = session.New(p.Loop, p.Clock, c.Net, p.Recorder, session.Config{
		Room:      c.Room,
		Defaults:  Defaults(),
		Sync:      clocksync.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	})
	c.Peers = append(c.Peers, p)
	return p
}

// JoinPeer adds a peer and joins it, failing the test on error.
func (c *Cluster) JoinPeer(name string, skew time.Duration) *Peer {
	c.T.Helper()
	p := c.AddPeer(name, skew)
	if _, err := p.Session.Join(context.Background()); err != nil {
		c.T.Fatalf("%s join: %v", name, err)
	}
	c.Drain()
	return p
}

// Drain runs every peer's queued work until all loops are idle.
func (c *Cluster) Drain() {
	for {
		n := 0
		for _, p := range c.Peers {
			n += p.Loop.Drain()
		}
		if n == 0 {
			return
		}
	}
}

// Run advances the shared clock by d, firing timers and deliveries in order
// and letting every loop settle after each one.
func (c *Cluster) Run(d time.Duration) {
	end := c.Base.Now() + d
	for {
		c.Drain()
		if !c.Base.Step(end) {
			break
		}
	}
	c.Base.Set(end)
	c.Drain()
}
