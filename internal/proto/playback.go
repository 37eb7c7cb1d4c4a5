package proto

import (
	"bytes"
	"encoding/json"
)

// MaxBPM bounds the tempo a room accepts.
const MaxBPM = 1000

// PlaybackState is the room's shared playback intent. StartAtLeaderTime is a
// reading of the leader's audio clock in seconds and means nothing unless
// Playing is set.
type PlaybackState struct {
	BPM               float64  `json:"bpm"`
	BeatsPerBar       int      `json:"beatsPerBar"`
	LeadInMs          float64  `json:"leadInMs"`
	StartAtLeaderTime *float64 `json:"startAtLeaderTime"`
	Playing           bool     `json:"playing"`
}

// BeatDuration returns the beat length in seconds.
func (s PlaybackState) BeatDuration() float64 { return 60 / s.BPM }

// BarDuration returns the bar length in seconds.
func (s PlaybackState) BarDuration() float64 { return s.BeatDuration() * float64(s.BeatsPerBar) }

// Start returns StartAtLeaderTime and whether it is set.
func (s PlaybackState) Start() (float64, bool) {
	if s.StartAtLeaderTime == nil {
		return 0, false
	}
	return *s.StartAtLeaderTime, true
}

// SameSchedule reports whether two states produce the same beat grid.
func (s PlaybackState) SameSchedule(o PlaybackState) bool {
	a, aok := s.Start()
	b, bok := o.Start()
	return s.Playing == o.Playing && aok == bok && a == b &&
		s.BPM == o.BPM && s.BeatsPerBar == o.BeatsPerBar
}

// Clone returns a copy that shares no pointers with s.
func (s PlaybackState) Clone() PlaybackState {
	if s.StartAtLeaderTime != nil {
		v := *s.StartAtLeaderTime
		s.StartAtLeaderTime = &v
	}
	return s
}

// PlaybackPatch is a partial PlaybackState. Absent fields leave the target
// unchanged. StartAtLeaderTime distinguishes absent from an explicit null,
// which clears the start instant.
type PlaybackPatch struct {
	BPM               *float64       `json:"bpm,omitempty"`
	BeatsPerBar       *int           `json:"beatsPerBar,omitempty"`
	LeadInMs          *float64       `json:"leadInMs,omitempty"`
	StartAtLeaderTime NullableSecond `json:"startAtLeaderTime,omitzero"`
	Playing           *bool          `json:"playing,omitempty"`
}

// Full returns a patch that sets every field of s.
func Full(s PlaybackState) PlaybackPatch {
	s = s.Clone()
	p := PlaybackPatch{
		BPM:         &s.BPM,
		BeatsPerBar: &s.BeatsPerBar,
		LeadInMs:    &s.LeadInMs,
		Playing:     &s.Playing,
	}
	if v, ok := s.Start(); ok {
		p.StartAtLeaderTime = SetSecond(v)
	} else {
		p.StartAtLeaderTime = NullSecond()
	}
	return p
}

// Merge applies p over s, field by field.
func Merge(s PlaybackState, p PlaybackPatch) PlaybackState {
	s = s.Clone()
	if p.BPM != nil {
		s.BPM = *p.BPM
	}
	if p.BeatsPerBar != nil {
		s.BeatsPerBar = *p.BeatsPerBar
	}
	if p.LeadInMs != nil {
		s.LeadInMs = *p.LeadInMs
	}
	if p.StartAtLeaderTime.Present {
		if p.StartAtLeaderTime.Valid {
			v := p.StartAtLeaderTime.Value
			s.StartAtLeaderTime = &v
		} else {
			s.StartAtLeaderTime = nil
		}
	}
	if p.Playing != nil {
		s.Playing = *p.Playing
	}
	return s
}

// NullableSecond is a JSON number that may be absent, null or set.
type NullableSecond struct {
	Present bool
	Valid   bool
	Value   float64
}

func SetSecond(v float64) NullableSecond { return NullableSecond{Present: true, Valid: true, Value: v} }
func NullSecond() NullableSecond         { return NullableSecond{Present: true} }

func (n NullableSecond) IsZero() bool { return !n.Present }

func (n NullableSecond) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

func (n *NullableSecond) UnmarshalJSON(b []byte) error {
	n.Present = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		n.Valid = false
		n.Value = 0
		return nil
	}
	if err := json.Unmarshal(b, &n.Value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}
