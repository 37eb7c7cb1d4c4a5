package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopbeat/internal/proto"
)

func defaults() proto.PlaybackState {
	return proto.PlaybackState{BPM: 120, BeatsPerBar: 4, LeadInMs: 500}
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
func boolp(v bool) *bool     { return &v }

func TestApplyShallowMerge(t *testing.T) {
	s := New(defaults())

	got, err := s.Apply(proto.PlaybackPatch{BPM: f64(90)})
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.BPM)
	assert.Equal(t, 4, got.BeatsPerBar, "absent fields are preserved")
	assert.Equal(t, 500.0, got.LeadInMs)

	got, err = s.Apply(proto.PlaybackPatch{Playing: boolp(true), StartAtLeaderTime: proto.SetSecond(12)})
	require.NoError(t, err)
	start, ok := got.Start()
	require.True(t, ok)
	assert.Equal(t, 12.0, start)
	assert.Equal(t, 90.0, got.BPM)

	got, err = s.Apply(proto.PlaybackPatch{Playing: boolp(false), StartAtLeaderTime: proto.NullSecond()})
	require.NoError(t, err)
	_, ok = got.Start()
	assert.False(t, ok)
	assert.False(t, got.Playing)
}

func TestApplyRejectsInvalid(t *testing.T) {
	s := New(defaults())
	var fired int
	s.OnPlaybackChanged(func(PlaybackEvent) { fired++ })

	_, err := s.Apply(proto.PlaybackPatch{BPM: f64(0)})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = s.Apply(proto.PlaybackPatch{BeatsPerBar: intp(-1)})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = s.Apply(proto.PlaybackPatch{BPM: f64(1e9)})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = s.Apply(proto.PlaybackPatch{BPM: f64(proto.MaxBPM)})
	require.NoError(t, err)
	_, err = s.Apply(proto.PlaybackPatch{BPM: f64(defaults().BPM)})
	require.NoError(t, err)

	assert.Equal(t, defaults(), s.Playback())
	assert.Equal(t, 2, fired)
}

func TestApplyIsIdempotent(t *testing.T) {
	p := proto.PlaybackPatch{
		BPM:               f64(100),
		Playing:           boolp(true),
		StartAtLeaderTime: proto.SetSecond(42),
	}
	once := New(defaults())
	_, err := once.Apply(p)
	require.NoError(t, err)

	twice := New(defaults())
	_, _ = twice.Apply(p)
	_, err = twice.Apply(p)
	require.NoError(t, err)

	assert.Equal(t, once.Playback(), twice.Playback())
}

func TestFoldMatchesArrivalOrder(t *testing.T) {
	patches := []proto.PlaybackPatch{
		{BPM: f64(80)},
		{BeatsPerBar: intp(3), LeadInMs: f64(250)},
		{Playing: boolp(true), StartAtLeaderTime: proto.SetSecond(6)},
		{BPM: f64(140)},
		{Playing: boolp(false), StartAtLeaderTime: proto.NullSecond()},
		{Playing: boolp(true), StartAtLeaderTime: proto.SetSecond(20)},
	}

	s := New(defaults())
	want := defaults()
	for _, p := range patches {
		_, err := s.Apply(p)
		require.NoError(t, err)
		want = proto.Merge(want, p)
	}
	assert.Equal(t, want, s.Playback())
	assert.Equal(t, 140.0, want.BPM)
	assert.Equal(t, 3, want.BeatsPerBar)
}

func TestHooks(t *testing.T) {
	s := New(defaults())
	var leaders []LeaderEvent
	var plays []PlaybackEvent
	s.OnLeaderChanged(func(ev LeaderEvent) { leaders = append(leaders, ev) })
	s.OnPlaybackChanged(func(ev PlaybackEvent) { plays = append(plays, ev) })

	s.SetLeader("a")
	s.SetLeader("a")
	s.SetLeader("b")
	require.Len(t, leaders, 3)
	assert.True(t, leaders[0].Changed)
	assert.False(t, leaders[1].Changed)
	assert.Equal(t, LeaderEvent{Prev: "a", Next: "b", Changed: true}, leaders[2])
	assert.True(t, s.IsLeader("b"))
	assert.False(t, s.IsLeader(""))

	_, _ = s.Apply(proto.PlaybackPatch{BPM: f64(60)})
	require.Len(t, plays, 1)
	assert.Equal(t, 120.0, plays[0].Prev.BPM)
	assert.Equal(t, 60.0, plays[0].Next.BPM)
}

func TestPlaybackReturnsCopy(t *testing.T) {
	s := New(defaults())
	_, _ = s.Apply(proto.PlaybackPatch{StartAtLeaderTime: proto.SetSecond(3)})
	p := s.Playback()
	*p.StartAtLeaderTime = 99
	start, _ := s.Playback().Start()
	assert.Equal(t, 3.0, start)
}

func TestReset(t *testing.T) {
	s := New(defaults())
	s.SetLeader("x")
	_, _ = s.Apply(proto.PlaybackPatch{BPM: f64(200), Playing: boolp(true)})
	s.Reset()
	assert.Empty(t, s.Leader())
	assert.Equal(t, defaults(), s.Playback())
}
