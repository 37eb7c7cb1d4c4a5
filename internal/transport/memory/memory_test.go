package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *recorder) sink(ev transport.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []transport.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == transport.EventMessage {
			out = append(out, string(ev.Payload))
		}
	}
	return out
}

func TestFirstClaimWins(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	a, err := n.Register(ctx, "metronome-jam-hub", nil)
	require.NoError(t, err)
	_, err = n.Register(ctx, "metronome-jam-hub", nil)
	require.ErrorIs(t, err, transport.ErrNameTaken)

	require.NoError(t, a.Close())
	_, err = n.Register(ctx, "metronome-jam-hub", nil)
	require.NoError(t, err, "name must be free again after Close")
}

func TestRegisterHook(t *testing.T) {
	boom := errors.New("directory unreachable")
	n := NewNetwork(WithRegisterHook(func(string) error { return boom }))
	_, err := n.Register(context.Background(), "x", nil)
	assert.ErrorIs(t, err, boom)
}

func TestDialDeliversOpenThenMessagesInOrder(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	var hub recorder

	_, err := n.Register(ctx, "hub", hub.sink)
	require.NoError(t, err)
	spoke, err := n.RegisterAnonymous(ctx, nil)
	require.NoError(t, err)

	ch, err := spoke.Dial(ctx, "hub", "hub")
	require.NoError(t, err)
	assert.Equal(t, "hub", ch.Remote())
	assert.Equal(t, "hub", ch.Label())

	require.NoError(t, ch.Send([]byte("1")))
	require.NoError(t, ch.Send([]byte("2")))

	assert.Equal(t, []transport.EventKind{transport.EventOpen, transport.EventMessage, transport.EventMessage}, hub.kinds())
	assert.Equal(t, []string{"1", "2"}, hub.payloads())
	assert.Equal(t, spoke.ID(), hub.events[0].Channel.Remote())
}

func TestDialUnknownPeer(t *testing.T) {
	n := NewNetwork()
	ep, err := n.RegisterAnonymous(context.Background(), nil)
	require.NoError(t, err)
	_, err = ep.Dial(context.Background(), "nobody", "sync")
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
}

func TestLocalCloseNotifiesRemoteOnly(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	var hub, spokeRec recorder
	_, _ = n.Register(ctx, "hub", hub.sink)
	spoke, _ := n.RegisterAnonymous(ctx, spokeRec.sink)

	ch, err := spoke.Dial(ctx, "hub", "hub")
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.Equal(t, []transport.EventKind{transport.EventOpen, transport.EventClose}, hub.kinds())
	assert.Empty(t, spokeRec.kinds())
	assert.ErrorIs(t, ch.Send([]byte("late")), transport.ErrClosed)
}

func TestDisconnectClosesBothSides(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	var hub, spokeRec recorder
	_, _ = n.Register(ctx, "hub", hub.sink)
	spoke, _ := n.RegisterAnonymous(ctx, spokeRec.sink)
	_, err := spoke.Dial(ctx, "hub", "hub")
	require.NoError(t, err)

	assert.Equal(t, 1, n.Disconnect(spoke.ID(), "hub"))
	assert.Equal(t, []transport.EventKind{transport.EventOpen, transport.EventClose}, hub.kinds())
	assert.Equal(t, []transport.EventKind{transport.EventClose}, spokeRec.kinds())
}

func TestLatencyKeepsFIFO(t *testing.T) {
	clk := clock.NewManual()
	delay := 30 * time.Millisecond
	n := NewNetwork(WithClock(clk), WithLatency(func(from, to string) time.Duration {
		d := delay
		delay -= 10 * time.Millisecond // later sends would overtake without the watermark
		return d
	}))
	ctx := context.Background()
	var hub recorder
	_, _ = n.Register(ctx, "hub", hub.sink)
	spoke, _ := n.RegisterAnonymous(ctx, nil)

	ch, err := spoke.Dial(ctx, "hub", "hub") // open: 30ms
	require.NoError(t, err)
	require.NoError(t, ch.Send([]byte("a"))) // 20ms, held to 30ms
	require.NoError(t, ch.Send([]byte("b"))) // 10ms, held to 30ms

	clk.Advance(29 * time.Millisecond)
	assert.Empty(t, hub.kinds())

	clk.Advance(time.Millisecond)
	assert.Equal(t, []transport.EventKind{transport.EventOpen, transport.EventMessage, transport.EventMessage}, hub.kinds())
	assert.Equal(t, []string{"a", "b"}, hub.payloads())
}
