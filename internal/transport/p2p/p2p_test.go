package p2p

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopbeat/internal/rendezvous"
	"github.com/petervdpas/goopbeat/internal/transport"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	srv := rendezvous.New("127.0.0.1:0", rendezvous.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, Options{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
}

func collect(n int) (chan transport.Event, transport.Sink) {
	ch := make(chan transport.Event, n)
	return ch, func(e transport.Event) { ch <- e }
}

func next(t *testing.T, ch chan transport.Event) transport.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestStreamChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("libp2p hosts in -short mode")
	}
	d := newTestDirectory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	hubEv, hubSink := collect(16)
	hub, err := d.Register(ctx, "metronome-p2p-hub", hubSink)
	require.NoError(t, err)
	defer hub.Close()

	_, err = d.Register(ctx, "metronome-p2p-hub", func(transport.Event) {})
	assert.ErrorIs(t, err, transport.ErrNameTaken)

	spokeEv, spokeSink := collect(16)
	spoke, err := d.RegisterAnonymous(ctx, spokeSink)
	require.NoError(t, err)
	defer spoke.Close()

	ch, err := spoke.Dial(ctx, "metronome-p2p-hub", "hub")
	require.NoError(t, err)

	open := next(t, hubEv)
	require.Equal(t, transport.EventOpen, open.Kind)
	assert.Equal(t, spoke.ID(), open.Channel.Remote())
	assert.Equal(t, "hub", open.Channel.Label())
	assert.Equal(t, ch.ID(), open.Channel.ID())

	require.NoError(t, ch.Send([]byte("{\n  \"type\": \"hello\"\n}")))
	require.NoError(t, ch.Send([]byte(`{"type":"ping","t0":1}`)))
	first := next(t, hubEv)
	assert.Equal(t, `{"type":"hello"}`, string(first.Payload))
	second := next(t, hubEv)
	assert.Equal(t, `{"type":"ping","t0":1}`, string(second.Payload))

	assert.Error(t, ch.Send([]byte("not\njson")))

	require.NoError(t, open.Channel.Send([]byte(`{"type":"pong"}`)))
	reply := next(t, spokeEv)
	require.Equal(t, transport.EventMessage, reply.Kind)
	assert.Equal(t, `{"type":"pong"}`, string(reply.Payload))

	require.NoError(t, ch.Close())
	closed := next(t, hubEv)
	assert.Equal(t, transport.EventClose, closed.Kind)
	assert.ErrorIs(t, ch.Send([]byte("{}")), transport.ErrClosed)
}

func TestDialUnknownName(t *testing.T) {
	if testing.Short() {
		t.Skip("libp2p hosts in -short mode")
	}
	d := newTestDirectory(t)
	ep, err := d.RegisterAnonymous(context.Background(), func(transport.Event) {})
	require.NoError(t, err)
	defer ep.Close()

	_, err = ep.Dial(context.Background(), "nobody", "sync")
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
}

func TestIdentityKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "identity.key")

	first, err := loadOrCreateKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}
