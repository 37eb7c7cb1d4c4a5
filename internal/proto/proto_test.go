package proto

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
func boolp(v bool) *bool     { return &v }

func TestWireRecords(t *testing.T) {
	playing := PlaybackState{BPM: 120, BeatsPerBar: 4, LeadInMs: 500, StartAtLeaderTime: f64(12), Playing: true}
	stopped := PlaybackState{BPM: 96, BeatsPerBar: 3}

	records := []Envelope{
		Hello("metronome-jam-hub"),
		Leader("p1"),
		Peers(3),
		Ping(1250.5, true),
		Pong(1250.5, 12.25, 4000, false),
		State(Full(playing)),
		State(Full(stopped)),
		CalibrateHint(),
	}

	var buf bytes.Buffer
	for _, r := range records {
		b, err := Encode(r)
		require.NoError(t, err)
		buf.Write(b)
		buf.WriteByte('\n')
	}

	g := goldie.New(t)
	g.Assert(t, "records", buf.Bytes())
}

func TestDecodeRoundTripsState(t *testing.T) {
	in := PlaybackState{BPM: 120, BeatsPerBar: 4, LeadInMs: 500, StartAtLeaderTime: f64(12), Playing: true}
	b, err := Encode(State(Full(in)))
	require.NoError(t, err)

	e, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, TypeState, e.Type)
	require.NotNil(t, e.Data)

	out := Merge(PlaybackState{}, *e.Data)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{``, `[]`, `{"id":"x"}`, `{"type":`, `"ping"`} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", raw)
	}
}

func TestDecodeKeepsUnknownType(t *testing.T) {
	e, err := Decode([]byte(`{"type":"chat","id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "chat", e.Type)
}

func TestMergePreservesAbsentFields(t *testing.T) {
	base := PlaybackState{BPM: 120, BeatsPerBar: 4, LeadInMs: 500, StartAtLeaderTime: f64(12), Playing: true}

	got := Merge(base, PlaybackPatch{BPM: f64(90)})
	assert.Equal(t, 90.0, got.BPM)
	assert.Equal(t, 4, got.BeatsPerBar)
	assert.Equal(t, 500.0, got.LeadInMs)
	require.NotNil(t, got.StartAtLeaderTime)
	assert.Equal(t, 12.0, *got.StartAtLeaderTime)
	assert.True(t, got.Playing)

	// base is untouched
	assert.Equal(t, 120.0, base.BPM)
}

func TestMergeExplicitNullClearsStart(t *testing.T) {
	base := PlaybackState{BPM: 120, BeatsPerBar: 4, StartAtLeaderTime: f64(12), Playing: true}

	var p PlaybackPatch
	require.NoError(t, jsonUnmarshal(`{"playing":false,"startAtLeaderTime":null}`, &p))
	got := Merge(base, p)
	assert.False(t, got.Playing)
	assert.Nil(t, got.StartAtLeaderTime)

	// absent start leaves it alone
	var q PlaybackPatch
	require.NoError(t, jsonUnmarshal(`{"beatsPerBar":3}`, &q))
	got = Merge(base, q)
	require.NotNil(t, got.StartAtLeaderTime)
	assert.Equal(t, 3, got.BeatsPerBar)
}

func TestMergeFoldIsIdempotentPerPatch(t *testing.T) {
	patches := []PlaybackPatch{
		{BPM: f64(100)},
		{BeatsPerBar: intp(3), Playing: boolp(true), StartAtLeaderTime: SetSecond(8)},
		{BPM: f64(140), LeadInMs: f64(250)},
		{Playing: boolp(false), StartAtLeaderTime: NullSecond()},
	}
	var once, twice PlaybackState
	for _, p := range patches {
		once = Merge(once, p)
		twice = Merge(Merge(twice, p), p)
	}
	assert.Equal(t, once, twice)
	assert.Equal(t, PlaybackState{BPM: 140, BeatsPerBar: 3, LeadInMs: 250}, once)
}

func TestHubIdentity(t *testing.T) {
	assert.Equal(t, "metronome-jam-hub", HubIdentity("jam"))
	assert.NotEqual(t, HubIdentity("a-hub"), HubIdentity("a"))
	assert.NotEqual(t, HubIdentity("jam"), HubIdentity("Jam"))
}

func TestBarDuration(t *testing.T) {
	s := PlaybackState{BPM: 120, BeatsPerBar: 4}
	assert.InDelta(t, 0.5, s.BeatDuration(), 1e-12)
	assert.InDelta(t, 2.0, s.BarDuration(), 1e-12)
}
