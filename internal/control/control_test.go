package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopbeat/internal/audio"
	"github.com/petervdpas/goopbeat/internal/metrics"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/scheduler"
	"github.com/petervdpas/goopbeat/internal/session"
	"github.com/petervdpas/goopbeat/internal/state"
)

type fakeSession struct {
	mu      sync.Mutex
	joined  bool
	leader  bool
	calls   []string
	patches []proto.PlaybackPatch
	state   proto.PlaybackState
}

func newFakeSession() *fakeSession {
	return &fakeSession{state: proto.PlaybackState{BPM: 120, BeatsPerBar: 4, LeadInMs: 2000}}
}

func (f *fakeSession) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeSession) guard(leaderOnly bool) error {
	if !f.joined {
		return session.ErrNotJoined
	}
	if leaderOnly && !f.leader {
		return session.ErrNotLeader
	}
	return nil
}

func (f *fakeSession) Join(context.Context) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("join")
	if f.joined {
		return session.Status{}, session.ErrAlreadyJoined
	}
	f.joined = true
	return f.statusLocked(), nil
}

func (f *fakeSession) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("leave")
	if err := f.guard(false); err != nil {
		return err
	}
	f.joined, f.leader = false, false
	return nil
}

func (f *fakeSession) Status() (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked(), nil
}

func (f *fakeSession) statusLocked() session.Status {
	return session.Status{
		Joined:   f.joined,
		Room:     "lobby",
		IsLeader: f.leader,
		Peers:    2,
		Playback: f.state,
	}
}

func (f *fakeSession) BecomeLeader() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("leader")
	if err := f.guard(false); err != nil {
		return err
	}
	f.leader = true
	return nil
}

func (f *fakeSession) Calibrate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("calibrate")
	if err := f.guard(false); err != nil {
		return err
	}
	if !f.leader {
		return session.ErrNoLeaderLink
	}
	return nil
}

func (f *fakeSession) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if err := f.guard(true); err != nil {
		return err
	}
	f.state.Playing = true
	return nil
}

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if err := f.guard(true); err != nil {
		return err
	}
	f.state.Playing = false
	return nil
}

func (f *fakeSession) UpdatePlayback(p proto.PlaybackPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("playback")
	if err := f.guard(true); err != nil {
		return err
	}
	next := proto.Merge(f.state, p)
	if err := state.Validate(next); err != nil {
		return err
	}
	f.patches = append(f.patches, p)
	f.state = next
	return nil
}

type fakeOutput struct {
	mu   sync.Mutex
	mute bool
	subs []chan audio.Emitted
}

func (o *fakeOutput) Subscribe() (chan audio.Emitted, func()) {
	ch := make(chan audio.Emitted, 8)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch, func() {}
}

func (o *fakeOutput) subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (o *fakeOutput) emit(e audio.Emitted) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		ch <- e
	}
}

func (o *fakeOutput) SetMute(m bool) {
	o.mu.Lock()
	o.mute = m
	o.mu.Unlock()
}

func (o *fakeOutput) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mute
}

func newTestServer(t *testing.T, sess *fakeSession) (*httptest.Server, *fakeOutput, *LogBuffer) {
	t.Helper()
	out := &fakeOutput{}
	logs := NewLogBuffer(16)
	srv := New("127.0.0.1:0", Deps{Session: sess, Output: out, Metrics: metrics.New(), Logs: logs})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, out, logs
}

func request(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestStatusBeforeJoin(t *testing.T) {
	ts, _, _ := newTestServer(t, newFakeSession())

	resp, body := request(t, http.MethodGet, ts.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var st session.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.Joined)
	assert.Equal(t, "lobby", st.Room)
}

func TestActionErrorMapping(t *testing.T) {
	sess := newFakeSession()
	ts, _, _ := newTestServer(t, sess)

	resp, body := request(t, http.MethodPost, ts.URL+"/api/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "not joined")

	resp, _ = request(t, http.MethodPost, ts.URL+"/api/join", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = request(t, http.MethodPost, ts.URL+"/api/join", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = request(t, http.MethodPost, ts.URL+"/api/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = request(t, http.MethodPost, ts.URL+"/api/calibrate", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = request(t, http.MethodPost, ts.URL+"/api/leader", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st session.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.IsLeader)

	resp, body = request(t, http.MethodPost, ts.URL+"/api/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Playback.Playing)

	resp, _ = request(t, http.MethodPost, ts.URL+"/api/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = request(t, http.MethodGet, ts.URL+"/api/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Equal(t, []string{"start", "join", "join", "start", "calibrate", "leader", "start", "stop"}, sess.calls)
}

func TestPlaybackPatch(t *testing.T) {
	sess := newFakeSession()
	sess.joined, sess.leader = true, true
	ts, _, _ := newTestServer(t, sess)

	resp, body := request(t, http.MethodPatch, ts.URL+"/api/playback", `{"bpm":90,"leadInMs":500}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st session.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 90.0, st.Playback.BPM)
	assert.Equal(t, 4, st.Playback.BeatsPerBar)
	assert.Equal(t, 500.0, st.Playback.LeadInMs)

	require.Len(t, sess.patches, 1)
	assert.Nil(t, sess.patches[0].BeatsPerBar)
	assert.False(t, sess.patches[0].StartAtLeaderTime.Present)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"bpm":`, http.StatusBadRequest},
		{"unknown field", `{"tempo":100}`, http.StatusBadRequest},
		{"wrong type", `{"bpm":"fast"}`, http.StatusBadRequest},
		{"invalid state", `{"bpm":0}`, http.StatusBadRequest},
		{"runaway tempo", `{"bpm":1e9}`, http.StatusBadRequest},
		{"negative lead in", `{"leadInMs":-1}`, http.StatusBadRequest},
		{"empty patch", `{}`, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := request(t, http.MethodPatch, ts.URL+"/api/playback", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
		})
	}
}

func TestPlaybackPatchRequiresLeader(t *testing.T) {
	sess := newFakeSession()
	sess.joined = true
	ts, _, _ := newTestServer(t, sess)

	resp, _ := request(t, http.MethodPatch, ts.URL+"/api/playback", `{"bpm":100}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMute(t *testing.T) {
	ts, out, _ := newTestServer(t, newFakeSession())

	resp, body := request(t, http.MethodPut, ts.URL+"/api/mute", `{"mute":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"mute":true}`, string(body))
	assert.True(t, out.Muted())

	_, body = request(t, http.MethodGet, ts.URL+"/api/mute", "")
	assert.JSONEq(t, `{"mute":true}`, string(body))

	resp, _ = request(t, http.MethodPut, ts.URL+"/api/mute", `nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBeatStream(t *testing.T) {
	ts, out, _ := newTestServer(t, newFakeSession())
	c := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan audio.Emitted, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, "/api/beats", func(event string, data []byte) {
			if event != "beat" {
				return
			}
			var e audio.Emitted
			if err := json.Unmarshal(data, &e); err == nil {
				got <- e
			}
		})
	}()

	require.Eventually(t, func() bool { return out.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	out.emit(audio.Emitted{Beat: scheduler.Beat{Number: 3, Index: 3}, Late: time.Millisecond})

	select {
	case e := <-got:
		assert.Equal(t, int64(3), e.Beat.Number)
		assert.Equal(t, time.Millisecond, e.Late)
	case <-ctx.Done():
		t.Fatal("no beat on the stream")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestLogsEndpoints(t *testing.T) {
	ts, _, logs := newTestServer(t, newFakeSession())

	_, _ = fmt.Fprintf(logs, "CONTROL: first\nCONTROL: sec")
	_, _ = fmt.Fprintf(logs, "ond\n\n")

	resp, body := request(t, http.MethodGet, ts.URL+"/api/logs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []LogEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "CONTROL: first", entries[0].Msg)
	assert.Equal(t, "CONTROL: second", entries[1].Msg)
}

func TestMetricsEndpoint(t *testing.T) {
	sess := newFakeSession()
	sess.joined, sess.leader = true, true
	ts, _, _ := newTestServer(t, sess)

	resp, body := request(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "goopbeat_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotLeader, http.StatusConflict},
		{session.ErrAlreadyJoined, http.StatusConflict},
		{session.ErrNotJoined, http.StatusServiceUnavailable},
		{session.ErrNoLeaderLink, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: bpm 0", state.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("%w: %w", session.ErrJoin, errors.New("dial")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestClientActions(t *testing.T) {
	sess := newFakeSession()
	ts, out, _ := newTestServer(t, sess)
	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	_, err := c.Action(ctx, "start")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	st, err := c.Action(ctx, "join")
	require.NoError(t, err)
	assert.True(t, st.Joined)

	_, err = c.Action(ctx, "leader")
	require.NoError(t, err)

	st, err = c.UpdatePlayback(ctx, json.RawMessage(`{"beatsPerBar":3}`))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Playback.BeatsPerBar)

	require.NoError(t, c.SetMute(ctx, true))
	assert.True(t, out.Muted())

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsLeader)
}

func TestServeShutsDownWithContext(t *testing.T) {
	srv := New("127.0.0.1:0", Deps{Session: newFakeSession()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	st, err := NewClient(srv.Addr()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lobby", st.Room)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestLogBufferCapturesLogPackage(t *testing.T) {
	buf := NewLogBuffer(2)
	l := log.New(buf, "", 0)
	l.Print("one")
	l.Print("two")
	l.Print("three")

	snap := buf.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Msg)
	assert.Equal(t, "three", snap[1].Msg)

	ch, cancel := buf.Subscribe()
	l.Print("four")
	e := <-ch
	assert.Equal(t, "four", e.Msg)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
