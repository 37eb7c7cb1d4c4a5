// Package session is the explicit context of one room membership. It owns
// the topology, the replicated state, the clock sync engine and the beat
// scheduler, and routes every transport event, timer and API call through a
// single loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/clocksync"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/metrics"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/scheduler"
	"github.com/petervdpas/goopbeat/internal/state"
	"github.com/petervdpas/goopbeat/internal/topology"
	"github.com/petervdpas/goopbeat/internal/transport"
)

var (
	ErrJoin          = errors.New("session: join failed")
	ErrNotLeader     = errors.New("session: not the leader")
	ErrNotJoined     = errors.New("session: not joined")
	ErrAlreadyJoined = errors.New("session: already joined")
	ErrNoLeaderLink  = errors.New("session: no direct channel to the leader")
)

type Config struct {
	Room      string
	Defaults  proto.PlaybackState
	Sync      clocksync.Config
	Scheduler scheduler.Config
}

type Option func(*Session)

// WithMetrics records session activity on m.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Session) { s.metrics = m } }

type Session struct {
	cfg     Config
	loop    loop.Loop
	clk     clock.Clock
	dir     transport.Directory
	metrics *metrics.Metrics

	store *state.Store
	sync  *clocksync.Engine
	sched *scheduler.Scheduler
	topo  *topology.Manager

	epoch   uint64
	joined  bool
	joining bool
	backlog []transport.Event

	// follower side of the direct sync link
	leaderCh     transport.Channel
	leaderTarget string
	dialGen      uint64
	dialing      bool

	// leader side: inbound sync channels by channel id
	syncIn map[string]transport.Channel

	pendingArm bool
}

func New(l loop.Loop, c clock.Clock, dir transport.Directory, em scheduler.Emitter, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		loop:   l,
		clk:    c,
		dir:    dir,
		store:  state.New(cfg.Defaults),
		sync:   clocksync.New(l, c, cfg.Sync),
		sched:  scheduler.New(l, c, em, cfg.Scheduler),
		syncIn: make(map[string]transport.Channel),
	}
	for _, o := range opts {
		o(s)
	}

	s.store.OnLeaderChanged(s.leaderChanged)
	s.store.OnPlaybackChanged(s.playbackChanged)
	s.sync.OnOffset(s.sched.SetOffset)
	s.sync.OnPhase(s.phaseChanged)
	s.sync.OnSample(func(smp clocksync.Sample) { s.metrics.ObservePong(smp.RoundTripMs) })
	s.sched.OnBeat(func(scheduler.Beat) { s.metrics.IncBeats() })
	return s
}

// Join claims or joins the configured room. It blocks on the directory and
// must not be called from the session loop.
func (s *Session) Join(ctx context.Context) (Status, error) {
	var epoch uint64
	err := s.loop.Call(func() {
		if s.joined || s.joining {
			return
		}
		s.joining = true
		s.epoch++
		epoch = s.epoch
	})
	if err != nil {
		return Status{}, err
	}
	if epoch == 0 {
		return Status{}, ErrAlreadyJoined
	}

	topo, joinErr := topology.Join(ctx, s.dir, s.cfg.Room, s.sinkFor(epoch))

	var st Status
	err = s.loop.Call(func() {
		s.joining = false
		backlog := s.backlog
		s.backlog = nil
		if joinErr != nil {
			s.epoch++
			s.resetLocal()
			return
		}
		s.install(topo)
		for _, ev := range backlog {
			s.dispatch(ev)
		}
		st = s.status()
	})
	if err != nil {
		if topo != nil {
			_ = topo.Leave()
		}
		return Status{}, err
	}
	if joinErr != nil {
		log.Printf("ALERT: join room %q failed: %v", s.cfg.Room, joinErr)
		return Status{}, fmt.Errorf("%w: %w", ErrJoin, joinErr)
	}
	return st, nil
}

func (s *Session) install(topo *topology.Manager) {
	s.topo = topo
	s.joined = true
	s.store.Reset()
	topo.OnSendError(func(error) { s.metrics.IncSendErr() })
	log.Printf("SESSION: joined %q as %s %s", s.cfg.Room, topo.Role(), topo.SelfID())
	if topo.IsHub() {
		s.announceLeader(topo.SelfID())
	}
}

// Leave tears the session down to the disconnected baseline.
func (s *Session) Leave() error {
	var topo *topology.Manager
	err := s.loop.Call(func() {
		if !s.joined {
			return
		}
		topo = s.topo
		s.epoch++
		s.resetLocal()
	})
	if err != nil {
		return err
	}
	if topo == nil {
		return ErrNotJoined
	}
	log.Printf("SESSION: left %q", s.cfg.Room)
	return topo.Leave()
}

// resetLocal returns every component to its baseline. The endpoint itself is
// closed by the caller.
func (s *Session) resetLocal() {
	s.dialGen++
	s.dialing = false
	s.pendingArm = false
	s.sched.Stop()
	s.sync.Stop()
	if s.leaderCh != nil {
		_ = s.leaderCh.Close()
		s.leaderCh = nil
	}
	s.leaderTarget = ""
	for id, ch := range s.syncIn {
		_ = ch.Close()
		delete(s.syncIn, id)
	}
	s.store.Reset()
	s.joined = false
	s.topo = nil
}

func (s *Session) selfID() string {
	if s.topo == nil {
		return ""
	}
	return s.topo.SelfID()
}

func (s *Session) isLeader() bool { return s.store.IsLeader(s.selfID()) }

// call runs fn on the loop, failing with ErrNotJoined outside a room.
func (s *Session) call(fn func() error) error {
	var inner error
	err := s.loop.Call(func() {
		if !s.joined {
			inner = ErrNotJoined
			return
		}
		inner = fn()
	})
	if err != nil {
		return err
	}
	return inner
}

// BecomeLeader announces this peer as the room's leader. Playback already
// running is carried over onto this peer's clock.
func (s *Session) BecomeLeader() error {
	return s.call(func() error {
		if s.isLeader() {
			return nil
		}
		st := s.store.Playback()
		start, ok := st.Start()
		rebase := st.Playing && ok && s.sync.HasEstimate()
		offset := s.sync.Offset()

		s.announceLeader(s.selfID())
		if rebase {
			s.publishState(proto.PlaybackPatch{StartAtLeaderTime: proto.SetSecond(start - offset)})
		}
		return nil
	})
}

// Calibrate on the leader pins its offset and asks every follower for a fresh
// burst. On a follower it starts a burst against the current leader.
func (s *Session) Calibrate() error {
	return s.call(func() error {
		if s.isLeader() {
			s.sync.BecomeLeader()
			for _, ch := range s.syncIn {
				s.topo.Send(ch, proto.CalibrateHint())
			}
			return nil
		}
		if !s.sync.Calibrate(true) {
			return ErrNoLeaderLink
		}
		return nil
	})
}

// Start schedules playback from the next bar boundary after the lead-in.
func (s *Session) Start() error {
	return s.call(func() error {
		if !s.isLeader() {
			return ErrNotLeader
		}
		st := s.store.Playback()
		start := scheduler.SnapStart(clock.Seconds(s.clk), st)
		playing := true
		return s.publishState(proto.PlaybackPatch{Playing: &playing, StartAtLeaderTime: proto.SetSecond(start)})
	})
}

func (s *Session) Stop() error {
	return s.call(func() error {
		if !s.isLeader() {
			return ErrNotLeader
		}
		return s.publishState(stopPatch())
	})
}

// UpdatePlayback merges p into the room state. Changing tempo or meter while
// playing stops playback.
func (s *Session) UpdatePlayback(p proto.PlaybackPatch) error {
	return s.call(func() error {
		if !s.isLeader() {
			return ErrNotLeader
		}
		cur := s.store.Playback()
		next := proto.Merge(cur, p)
		if err := state.Validate(next); err != nil {
			return err
		}
		if cur.Playing && (next.BPM != cur.BPM || next.BeatsPerBar != cur.BeatsPerBar) {
			stop := stopPatch()
			p.Playing, p.StartAtLeaderTime = stop.Playing, stop.StartAtLeaderTime
			log.Printf("SESSION: tempo or meter changed while playing, stopping")
		}
		return s.publishState(p)
	})
}

func stopPatch() proto.PlaybackPatch {
	playing := false
	return proto.PlaybackPatch{Playing: &playing, StartAtLeaderTime: proto.NullSecond()}
}

// announceLeader publishes a leader claim and applies it locally.
func (s *Session) announceLeader(id string) {
	s.topo.Publish(proto.Leader(id))
	s.store.SetLeader(id)
}

// publishState merges p into the local state and sends the full result into
// the room, so every receiver converges on the same state.
func (s *Session) publishState(p proto.PlaybackPatch) error {
	next := proto.Merge(s.store.Playback(), p)
	if err := state.Validate(next); err != nil {
		return err
	}
	full := proto.Full(next)
	s.topo.Publish(proto.State(full))
	_, err := s.store.Apply(full)
	return err
}
