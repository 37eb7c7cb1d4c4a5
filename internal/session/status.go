package session

import (
	"github.com/petervdpas/goopbeat/internal/clocksync"
	"github.com/petervdpas/goopbeat/internal/metrics"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/topology"
)

// View is everything control enablement depends on.
type View struct {
	Joined  bool
	Leader  bool
	Phase   clocksync.Phase
	Playing bool
}

// Controls says which user actions make sense right now.
type Controls struct {
	TakeLeader   bool `json:"takeLeader"`
	Calibrate    bool `json:"calibrate"`
	Start        bool `json:"start"`
	Stop         bool `json:"stop"`
	EditPlayback bool `json:"editPlayback"`
}

// ControlsFor derives control enablement from the session view alone.
func ControlsFor(v View) Controls {
	if !v.Joined {
		return Controls{}
	}
	synced := v.Phase == clocksync.Synced
	return Controls{
		TakeLeader:   !v.Leader,
		Calibrate:    v.Leader || synced,
		Start:        v.Leader && synced && !v.Playing,
		Stop:         v.Leader && v.Playing,
		EditPlayback: v.Leader,
	}
}

type Status struct {
	Joined     bool                `json:"joined"`
	Room       string              `json:"room"`
	Role       string              `json:"role,omitempty"`
	SelfID     string              `json:"selfId,omitempty"`
	HubID      string              `json:"hubId,omitempty"`
	LeaderID   string              `json:"leaderId,omitempty"`
	IsLeader   bool                `json:"isLeader"`
	Peers      int                 `json:"peers"`
	Phase      clocksync.Phase     `json:"phase"`
	OffsetMs   float64             `json:"offsetMs"`
	Samples    int                 `json:"samples"`
	LastRTTMs  float64             `json:"lastRttMs"`
	Playback   proto.PlaybackState `json:"playback"`
	Scheduling bool                `json:"scheduling"`
	PendingArm bool                `json:"pendingArm"`
	BeatIndex  int                 `json:"beatIndex"`
	Controls   Controls            `json:"controls"`
}

func (s *Session) status() Status {
	st := Status{
		Joined:     s.joined,
		Room:       s.cfg.Room,
		Phase:      s.sync.Phase(),
		OffsetMs:   s.sync.Offset() * 1000,
		Samples:    s.sync.SampleCount(),
		LastRTTMs:  s.sync.LastRTT(),
		Playback:   s.store.Playback(),
		Scheduling: s.sched.Running(),
		PendingArm: s.pendingArm,
		BeatIndex:  s.sched.CurrentIndex(),
	}
	if s.topo != nil {
		st.Role = s.topo.Role().String()
		st.SelfID = s.topo.SelfID()
		st.HubID = s.topo.HubID()
		st.Peers = s.topo.PeerCount()
	}
	st.LeaderID = s.store.Leader()
	st.IsLeader = s.isLeader()
	st.Controls = ControlsFor(View{
		Joined:  st.Joined,
		Leader:  st.IsLeader,
		Phase:   st.Phase,
		Playing: st.Playback.Playing,
	})
	return st
}

// Status returns a snapshot taken on the loop. It works whether or not the
// session is joined.
func (s *Session) Status() (Status, error) {
	var st Status
	err := s.loop.Call(func() { st = s.status() })
	return st, err
}

// MetricsSnapshot adapts a Status for the metrics gauges.
func (st Status) MetricsSnapshot() metrics.Snapshot {
	return metrics.Snapshot{
		OffsetSeconds: st.OffsetMs / 1000,
		LastRTTMs:     st.LastRTTMs,
		Samples:       st.Samples,
		Peers:         st.Peers,
		Playing:       st.Scheduling,
		Leader:        st.IsLeader,
		Hub:           st.Role == topology.Hub.String(),
		Phase:         int(st.Phase),
	}
}
