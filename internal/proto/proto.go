// Package proto defines the records exchanged between peers of a room and
// the identities they are addressed by.
//
// Wire format: one JSON object per record. Message-oriented channels carry
// one record per message; stream channels separate records with '\n'. The
// "type" field discriminates.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// libp2p stream protocol ID for peer channels
	ChannelProtoID = "/goopbeat/channel/1.0.0"

	// Channel labels. A spoke's link to the hub carries room traffic; a
	// follower's link to the leader carries clock sync only.
	LabelHub  = "hub"
	LabelSync = "sync"

	hubPrefix = "metronome-"
	hubSuffix = "-hub"
)

// HubIdentity is the directory name every peer of room tries to claim.
func HubIdentity(room string) string {
	return hubPrefix + room + hubSuffix
}

const (
	TypeHello     = "hello"
	TypeLeader    = "leader"
	TypeState     = "state"
	TypePeers     = "peers"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeCalibrate = "calibrate"
)

// ErrMalformed is returned by Decode for records that are not a JSON object
// with a string type.
var ErrMalformed = errors.New("proto: malformed record")

// Envelope is the union of every record field. Which fields are meaningful
// depends on Type.
type Envelope struct {
	Type string `json:"type"`

	// hello, leader
	ID string `json:"id,omitempty"`

	// state
	Data *PlaybackPatch `json:"data,omitempty"`

	// peers
	Count int `json:"count,omitempty"`

	// ping, pong. Milliseconds on the follower's clock.
	T0 float64 `json:"t0,omitempty"`
	// pong. Seconds on the leader's audio clock.
	LeaderAudioTime float64 `json:"leaderAudioTime,omitempty"`
	// pong. Milliseconds on the leader's clock, diagnostic only.
	LeaderNow float64 `json:"leaderNow,omitempty"`
	// ping, pong: sample taken during a calibration burst.
	Calibrate bool `json:"calibrate,omitempty"`
}

func Hello(id string) Envelope  { return Envelope{Type: TypeHello, ID: id} }
func Leader(id string) Envelope { return Envelope{Type: TypeLeader, ID: id} }
func Peers(n int) Envelope      { return Envelope{Type: TypePeers, Count: n} }
func CalibrateHint() Envelope   { return Envelope{Type: TypeCalibrate} }

func State(p PlaybackPatch) Envelope {
	return Envelope{Type: TypeState, Data: &p}
}

func Ping(t0 float64, calibrating bool) Envelope {
	return Envelope{Type: TypePing, T0: t0, Calibrate: calibrating}
}

func Pong(t0, leaderAudioTime, leaderNow float64, calibrating bool) Envelope {
	return Envelope{Type: TypePong, T0: t0, LeaderAudioTime: leaderAudioTime, LeaderNow: leaderNow, Calibrate: calibrating}
}

// Encode marshals a record.
func Encode(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return json.Marshal(e)
}

// Decode parses a record. Unknown types decode fine; routing them is the
// receiver's decision.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return e, nil
}
