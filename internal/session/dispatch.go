package session

import (
	"log"

	"github.com/petervdpas/goopbeat/internal/clocksync"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/transport"
)

// sinkFor returns the transport sink for one join. Events from an older join
// are discarded on the loop.
func (s *Session) sinkFor(epoch uint64) transport.Sink {
	return func(ev transport.Event) {
		s.loop.Post(func() {
			if epoch != s.epoch {
				if ev.Kind == transport.EventOpen {
					_ = ev.Channel.Close()
				}
				return
			}
			if s.joining {
				s.backlog = append(s.backlog, ev)
				return
			}
			if !s.joined {
				return
			}
			s.dispatch(ev)
		})
	}
}

func (s *Session) dispatch(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		s.onOpen(ev.Channel)
	case transport.EventMessage:
		s.onMessage(ev.Channel, ev.Payload)
	case transport.EventClose:
		s.onClose(ev.Channel, ev.Err)
	}
}

func (s *Session) onOpen(ch transport.Channel) {
	switch ch.Label() {
	case proto.LabelHub:
		if !s.topo.IsHub() {
			log.Printf("SESSION: refusing hub channel from %s, not the hub", ch.Remote())
			_ = ch.Close()
			return
		}
		s.topo.AddSpoke(ch)
	case proto.LabelSync:
		s.syncIn[ch.ID()] = ch
	default:
		log.Printf("SESSION: refusing channel %q from %s", ch.Label(), ch.Remote())
		_ = ch.Close()
	}
}

func (s *Session) onClose(ch transport.Channel, err error) {
	switch {
	case s.topo.IsSpokeChannel(ch):
		s.topo.RemoveSpoke(ch)
	case s.topo.IsHubChannel(ch):
		s.topo.HubLost()
	case s.leaderCh != nil && ch == s.leaderCh:
		s.leaderLost(err)
	default:
		delete(s.syncIn, ch.ID())
	}
}

func (s *Session) drop(reason string, ch transport.Channel, typ string) {
	log.Printf("SESSION: ignoring %s from %s (%s)", typ, ch.Remote(), reason)
	s.metrics.IncDropped(reason)
}

func (s *Session) onMessage(ch transport.Channel, raw []byte) {
	env, err := proto.Decode(raw)
	if err != nil {
		s.drop("malformed", ch, "record")
		return
	}

	fromSpoke := s.topo.IsSpokeChannel(ch)
	fromHub := s.topo.IsHubChannel(ch)
	room := fromSpoke || fromHub

	switch env.Type {
	case proto.TypeHello:
		if !fromSpoke {
			s.drop("role", ch, env.Type)
			return
		}
		s.onHello(ch)

	case proto.TypeLeader:
		if !room || env.ID == "" {
			s.drop("role", ch, env.Type)
			return
		}
		if fromSpoke {
			s.relay(ch, raw)
		}
		s.store.SetLeader(env.ID)

	case proto.TypeState:
		if !room || env.Data == nil {
			s.drop("role", ch, env.Type)
			return
		}
		if fromSpoke {
			s.relay(ch, raw)
		}
		if _, err := s.store.Apply(*env.Data); err != nil {
			log.Printf("STATE: rejected state from %s: %v", ch.Remote(), err)
			s.metrics.IncDropped("invalid")
		}

	case proto.TypePeers:
		if !fromHub {
			s.drop("role", ch, env.Type)
			return
		}
		s.topo.SetPeerCount(env.Count)

	case proto.TypePing:
		if ch.Label() != proto.LabelSync || !s.isLeader() {
			s.drop("role", ch, env.Type)
			return
		}
		s.topo.Send(ch, clocksync.Reply(s.clk, env))

	case proto.TypePong:
		if s.leaderCh == nil || ch != s.leaderCh {
			s.drop("stale", ch, env.Type)
			return
		}
		s.sync.HandlePong(env)

	case proto.TypeCalibrate:
		if s.leaderCh == nil || ch != s.leaderCh {
			s.drop("stale", ch, env.Type)
			return
		}
		log.Printf("SYNC: leader asked for calibration")
		s.sync.Calibrate(true)

	default:
		s.drop("unknown", ch, env.Type)
	}
}

// relay forwards a spoke's record to the other spokes before the hub applies
// it itself.
func (s *Session) relay(from transport.Channel, raw []byte) {
	n := s.topo.Relay(from, raw)
	for i := 0; i < n; i++ {
		s.metrics.IncRelayed()
	}
}

// onHello greets a new spoke with the room's leader and state. A hub that has
// no leader yet takes the role itself.
func (s *Session) onHello(ch transport.Channel) {
	if s.store.Leader() == "" {
		s.announceLeader(s.selfID())
	} else {
		s.topo.Send(ch, proto.Leader(s.store.Leader()))
	}
	s.topo.Send(ch, proto.State(proto.Full(s.store.Playback())))
}
