package session

import (
	"context"
	"errors"
	"log"

	"github.com/petervdpas/goopbeat/internal/clocksync"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/state"
	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/util"
)

func (s *Session) leaderChanged(ev state.LeaderEvent) {
	if !s.joined {
		return
	}
	self := s.selfID()
	switch ev.Next {
	case self:
		s.dropLeaderLink()
		s.sync.BecomeLeader()
		s.flushPending()
	case "":
		s.dropLeaderLink()
	default:
		s.follow(ev.Next)
	}
}

// follow keeps exactly one direct link, to id. An existing or in-flight link
// to the same leader is kept; anything else is closed first.
func (s *Session) follow(id string) {
	if s.leaderTarget == id && (s.leaderCh != nil || s.dialing) {
		return
	}
	s.dropLeaderLink()
	s.leaderTarget = id
	s.dialGen++
	gen := s.dialGen
	s.dialing = true

	ep := s.topo.Endpoint()
	log.Printf("SYNC: dialing leader %s", id)
	s.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		defer cancel()
		ch, err := ep.Dial(ctx, id, proto.LabelSync)
		s.loop.Post(func() { s.dialed(gen, id, ch, err) })
	})
}

func (s *Session) dialed(gen uint64, id string, ch transport.Channel, err error) {
	if gen != s.dialGen || !s.joined {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	s.dialing = false
	if err != nil {
		log.Printf("SYNC: dial leader %s failed: %v", id, err)
		s.leaderTarget = ""
		return
	}
	s.leaderCh = ch
	s.sync.Attach(s.sendSync)
}

func (s *Session) sendSync(env proto.Envelope) error {
	if s.leaderCh == nil {
		return transport.ErrClosed
	}
	b, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if err := s.leaderCh.Send(b); err != nil {
		s.metrics.IncSendErr()
		return err
	}
	if env.Type == proto.TypePing {
		s.metrics.IncPings()
	}
	return nil
}

// dropLeaderLink closes the direct link on our side and cancels any dial in
// flight.
func (s *Session) dropLeaderLink() {
	s.dialGen++
	s.dialing = false
	if s.leaderCh != nil {
		_ = s.leaderCh.Close()
		s.leaderCh = nil
	}
	s.leaderTarget = ""
	s.sync.Detach()
}

// leaderLost handles the leader closing the direct link. Playback stops until
// a new link has calibrated.
func (s *Session) leaderLost(err error) {
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Printf("SYNC: leader link to %s failed: %v", s.leaderTarget, err)
	} else {
		log.Printf("SYNC: leader link to %s closed", s.leaderTarget)
	}
	s.leaderCh = nil
	s.leaderTarget = ""
	s.sync.Detach()
	s.sched.Stop()
	st := s.store.Playback()
	_, ok := st.Start()
	s.pendingArm = st.Playing && ok
}

func (s *Session) phaseChanged(from, to clocksync.Phase) {
	if from == clocksync.Calibrating && to == clocksync.Synced {
		s.flushPending()
	}
}

func (s *Session) playbackChanged(ev state.PlaybackEvent) {
	prev, next := ev.Prev, ev.Next
	if !s.joined {
		return
	}

	if (prev.BPM != next.BPM || prev.BeatsPerBar != next.BeatsPerBar) && !s.isLeader() && s.sync.Attached() {
		s.sync.Calibrate(false)
	}

	if !next.Playing {
		s.pendingArm = false
		s.sched.Stop()
		return
	}
	if _, ok := next.Start(); !ok {
		return
	}
	if s.sched.Running() && prev.SameSchedule(next) {
		s.sched.Recompute()
		return
	}
	s.arm(next)
}

// arm starts playback now if an offset is known, and defers it to the end of
// calibration otherwise.
func (s *Session) arm(st proto.PlaybackState) {
	if s.isLeader() || s.sync.HasEstimate() {
		s.pendingArm = false
		s.startScheduler(st)
		return
	}
	s.sched.Stop()
	s.pendingArm = true
	log.Printf("SESSION: playback deferred until calibrated")
}

func (s *Session) flushPending() {
	if !s.pendingArm {
		return
	}
	s.pendingArm = false
	st := s.store.Playback()
	if _, ok := st.Start(); !st.Playing || !ok {
		return
	}
	if !s.isLeader() && !s.sync.HasEstimate() {
		log.Printf("SESSION: calibration ended without samples, arming with offset 0")
	}
	s.startScheduler(st)
}

func (s *Session) startScheduler(st proto.PlaybackState) {
	s.sched.SetOffset(s.sync.Offset())
	if err := s.sched.Start(st); err != nil {
		log.Printf("SESSION: cannot start playback: %v", err)
	}
}
