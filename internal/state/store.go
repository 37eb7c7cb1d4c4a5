// Package state holds the replicated part of a session: who leads the room
// and the shared playback intent. A Store is owned by one session loop and
// is not safe for concurrent use.
package state

import (
	"errors"
	"fmt"
	"log"

	"github.com/petervdpas/goopbeat/internal/proto"
)

// ErrInvalid is returned when a merge would leave the playback state with a
// tempo outside (0, proto.MaxBPM] or a non-positive meter.
var ErrInvalid = errors.New("state: invalid playback state")

// LeaderEvent is passed to leader hooks after every leader application.
type LeaderEvent struct {
	Prev    string
	Next    string
	Changed bool
}

// PlaybackEvent is passed to playback hooks after every accepted merge.
type PlaybackEvent struct {
	Prev  proto.PlaybackState
	Next  proto.PlaybackState
	Patch proto.PlaybackPatch
}

// Store is the leader identity plus the shared playback state.
type Store struct {
	defaults proto.PlaybackState
	leader   string
	playback proto.PlaybackState

	leaderHooks   []func(LeaderEvent)
	playbackHooks []func(PlaybackEvent)
}

func New(defaults proto.PlaybackState) *Store {
	return &Store{
		defaults: defaults.Clone(),
		playback: defaults.Clone(),
	}
}

// Validate checks the invariants every stored state keeps.
func Validate(s proto.PlaybackState) error {
	switch {
	case !(s.BPM > 0) || s.BPM > proto.MaxBPM:
		return fmt.Errorf("%w: bpm %v", ErrInvalid, s.BPM)
	case s.BeatsPerBar <= 0:
		return fmt.Errorf("%w: beatsPerBar %d", ErrInvalid, s.BeatsPerBar)
	case s.LeadInMs < 0:
		return fmt.Errorf("%w: leadInMs %v", ErrInvalid, s.LeadInMs)
	}
	return nil
}

func (s *Store) Leader() string { return s.leader }

// IsLeader reports whether id is the current leader. The empty id never is.
func (s *Store) IsLeader(id string) bool { return id != "" && s.leader == id }

// Playback returns a copy of the current playback state.
func (s *Store) Playback() proto.PlaybackState { return s.playback.Clone() }

// Defaults returns the state the store was created with.
func (s *Store) Defaults() proto.PlaybackState { return s.defaults.Clone() }

// OnLeaderChanged registers fn to run after every SetLeader.
func (s *Store) OnLeaderChanged(fn func(LeaderEvent)) {
	s.leaderHooks = append(s.leaderHooks, fn)
}

// OnPlaybackChanged registers fn to run after every accepted Apply.
func (s *Store) OnPlaybackChanged(fn func(PlaybackEvent)) {
	s.playbackHooks = append(s.playbackHooks, fn)
}

// SetLeader records a leader announcement. Re-announcing the same leader
// still runs the hooks, with Changed unset.
func (s *Store) SetLeader(id string) {
	ev := LeaderEvent{Prev: s.leader, Next: id, Changed: s.leader != id}
	s.leader = id
	if ev.Changed {
		log.Printf("STATE: leader %q -> %q", ev.Prev, ev.Next)
	}
	for _, fn := range s.leaderHooks {
		fn(ev)
	}
}

// Apply merges p over the current playback state. A patch that would break
// the state invariants is rejected and nothing changes.
func (s *Store) Apply(p proto.PlaybackPatch) (proto.PlaybackState, error) {
	next := proto.Merge(s.playback, p)
	if err := Validate(next); err != nil {
		return s.Playback(), err
	}
	ev := PlaybackEvent{Prev: s.playback, Next: next.Clone(), Patch: p}
	s.playback = next
	for _, fn := range s.playbackHooks {
		fn(ev)
	}
	return s.Playback(), nil
}

// Replace sets every field of the playback state.
func (s *Store) Replace(next proto.PlaybackState) (proto.PlaybackState, error) {
	return s.Apply(proto.Full(next))
}

// Reset returns the store to no leader and the default playback state
// without running hooks.
func (s *Store) Reset() {
	s.leader = ""
	s.playback = s.defaults.Clone()
}
