package rendezvous

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopbeat/internal/transport"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New("127.0.0.1:0", opts)
	require.NoError(t, s.OpenLedger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.closeAll()
		ts.Close()
		if s.db != nil {
			_ = s.db.close()
		}
	})
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server, name string) (*websocket.Conn, Frame) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(NewClient(ts.URL).SocketURL(name), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, FrameWelcome, welcome.Type)
	return conn, welcome
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestSocketClaimFirstWins(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	_, welcome := dialWS(t, ts, "metronome-band-hub")
	assert.Equal(t, "metronome-band-hub", welcome.Name)

	_, resp, err := websocket.DefaultDialer.Dial(NewClient(ts.URL).SocketURL("metronome-band-hub"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAnonymousSocket(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	_, a := dialWS(t, ts, "")
	_, b := dialWS(t, ts, "")
	assert.True(t, strings.HasPrefix(a.Name, "anon-"))
	assert.NotEqual(t, a.Name, b.Name)
}

func TestChannelSwitch(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	hub, _ := dialWS(t, ts, "hub-name")
	spoke, spokeWelcome := dialWS(t, ts, "")

	require.NoError(t, spoke.WriteJSON(Frame{Type: FrameOpen, Channel: "c1", Name: "hub-name", Label: "hub"}))

	open := readFrame(t, hub)
	assert.Equal(t, FrameOpen, open.Type)
	assert.Equal(t, "c1", open.Channel)
	assert.Equal(t, spokeWelcome.Name, open.Name)
	assert.Equal(t, "hub", open.Label)

	opened := readFrame(t, spoke)
	assert.Equal(t, FrameOpened, opened.Type)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, spoke.WriteJSON(Frame{Type: FrameData, Channel: "c1", Data: []byte(msg)}))
	}
	for _, want := range []string{"one", "two", "three"} {
		f := readFrame(t, hub)
		assert.Equal(t, FrameData, f.Type)
		assert.Equal(t, want, string(f.Data))
	}

	require.NoError(t, hub.WriteJSON(Frame{Type: FrameData, Channel: "c1", Data: []byte("back")}))
	assert.Equal(t, "back", string(readFrame(t, spoke).Data))

	require.NoError(t, spoke.WriteJSON(Frame{Type: FrameClose, Channel: "c1"}))
	closed := readFrame(t, hub)
	assert.Equal(t, FrameClose, closed.Type)
	assert.Equal(t, "c1", closed.Channel)
}

func TestOpenUnknownPeer(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	c, _ := dialWS(t, ts, "")
	require.NoError(t, c.WriteJSON(Frame{Type: FrameOpen, Channel: "x", Name: "nobody"}))
	f := readFrame(t, c)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, ErrCodeUnknownPeer, f.Error)
	assert.Equal(t, "x", f.Channel)
}

func TestDuplicateChannel(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	_, _ = dialWS(t, ts, "target")
	c, _ := dialWS(t, ts, "")
	require.NoError(t, c.WriteJSON(Frame{Type: FrameOpen, Channel: "dup", Name: "target"}))
	require.Equal(t, FrameOpened, readFrame(t, c).Type)

	require.NoError(t, c.WriteJSON(Frame{Type: FrameOpen, Channel: "dup", Name: "target"}))
	f := readFrame(t, c)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, ErrCodeDuplicateChannel, f.Error)
}

func TestDisconnectClosesChannelsAndFreesName(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	hub, _ := dialWS(t, ts, "leaving")
	spoke, _ := dialWS(t, ts, "")
	require.NoError(t, spoke.WriteJSON(Frame{Type: FrameOpen, Channel: "c", Name: "leaving"}))
	require.Equal(t, FrameOpen, readFrame(t, hub).Type)
	require.Equal(t, FrameOpened, readFrame(t, spoke).Type)

	require.NoError(t, hub.Close())

	f := readFrame(t, spoke)
	assert.Equal(t, FrameClose, f.Type)
	assert.Equal(t, "c", f.Channel)

	require.Eventually(t, func() bool {
		conn, resp, err := websocket.DefaultDialer.Dial(NewClient(ts.URL).SocketURL("leaving"), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLeaseLifecycle(t *testing.T) {
	clk := &fakeNow{t: time.UnixMilli(1_700_000_000_000)}
	s, ts := newTestServer(t, Options{LeaseTTL: 30 * time.Second})
	s.now = clk.now

	ctx := context.Background()
	c := NewClient(ts.URL)

	l, err := c.Claim(ctx, LeaseRequest{Name: "metronome-x-hub", PeerID: "12D3Koo", Addrs: []string{"/ip4/127.0.0.1/tcp/4001"}})
	require.NoError(t, err)
	assert.NotEmpty(t, l.Token)
	assert.Equal(t, clk.now().Add(30*time.Second).UnixMilli(), l.ExpiresAt)

	_, err = c.Claim(ctx, LeaseRequest{Name: "metronome-x-hub", PeerID: "other"})
	assert.ErrorIs(t, err, transport.ErrNameTaken)

	got, err := c.Lookup(ctx, "metronome-x-hub")
	require.NoError(t, err)
	assert.Equal(t, "12D3Koo", got.PeerID)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, got.Addrs)
	assert.Empty(t, got.Token, "lookups never reveal the token")

	_, err = c.Renew(ctx, Lease{Name: l.Name, Token: "wrong"}, 0)
	assert.ErrorIs(t, err, ErrLeaseLost)

	clk.advance(20 * time.Second)
	renewed, err := c.Renew(ctx, l, 0)
	require.NoError(t, err)
	assert.Equal(t, clk.now().Add(30*time.Second).UnixMilli(), renewed.ExpiresAt)

	clk.advance(31 * time.Second)
	s.sweep()
	_, err = c.Lookup(ctx, "metronome-x-hub")
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)

	again, err := c.Claim(ctx, LeaseRequest{Name: "metronome-x-hub", PeerID: "other"})
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, again))
	_, err = c.Lookup(ctx, "metronome-x-hub")
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
}

func TestLeaseBlocksSocketClaim(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	_, err := NewClient(ts.URL).Claim(context.Background(), LeaseRequest{Name: "shared", PeerID: "p"})
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(NewClient(ts.URL).SocketURL("shared"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClaimRateLimit(t *testing.T) {
	_, ts := newTestServer(t, Options{ClaimRatePerMin: 2})
	c := NewClient(ts.URL)
	ctx := context.Background()

	_, err := c.Claim(ctx, LeaseRequest{PeerID: "a"})
	require.NoError(t, err)
	_, err = c.Claim(ctx, LeaseRequest{PeerID: "b"})
	require.NoError(t, err)
	_, err = c.Claim(ctx, LeaseRequest{PeerID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSharedLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.db")
	_, tsA := newTestServer(t, Options{ClaimsDBPath: path})
	_, tsB := newTestServer(t, Options{ClaimsDBPath: path})
	ctx := context.Background()

	l, err := NewClient(tsA.URL).Claim(ctx, LeaseRequest{Name: "only-once", PeerID: "pa", Addrs: []string{"/ip4/10.0.0.1/tcp/1"}})
	require.NoError(t, err)

	_, err = NewClient(tsB.URL).Claim(ctx, LeaseRequest{Name: "only-once", PeerID: "pb"})
	assert.ErrorIs(t, err, transport.ErrNameTaken)

	got, err := NewClient(tsB.URL).Lookup(ctx, "only-once")
	require.NoError(t, err)
	assert.Equal(t, "pa", got.PeerID)
	assert.Equal(t, l.Addrs, got.Addrs)

	_, resp, err := websocket.DefaultDialer.Dial(NewClient(tsB.URL).SocketURL("only-once"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	claims, err := NewClient(tsB.URL).Claims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.False(t, claims[0].Local)
}

func TestClaimsAndLogs(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	_, _ = dialWS(t, ts, "listed")

	claims, err := NewClient(ts.URL).Claims(context.Background())
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "listed", claims[0].Name)
	assert.Equal(t, KindSocket, claims[0].Kind)
	assert.True(t, claims[0].Local)

	resp, err := http.Get(ts.URL + "/logs.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "claimed listed")
}

func TestEventsStream(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 8)
	go NewClient(ts.URL).SubscribeEvents(ctx, func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})

	// Claims made before the subscription lands are not replayed, so keep
	// claiming fresh names until one is seen.
	c := NewClient(ts.URL)
	deadline := time.After(5 * time.Second)
	for {
		_, err := c.Claim(ctx, LeaseRequest{PeerID: "p"})
		require.NoError(t, err)
		select {
		case ev := <-events:
			assert.Equal(t, "claim", ev.Type)
			assert.Equal(t, KindLease, ev.Kind)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestStartServes(t *testing.T) {
	s := New("127.0.0.1:0", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	resp, err := http.Get(s.URL() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
}

func TestValidName(t *testing.T) {
	assert.NoError(t, validName("metronome-room-hub"))
	assert.Error(t, validName(""))
	assert.Error(t, validName("a b"))
	assert.Error(t, validName("a/b"))
}
