// Package memory is an in-process transport. A Network holds the directory
// and delivers records between endpoints with optional per-link latency
// measured on a clock.Clock, which makes it usable both for single-process
// runs and for deterministic cluster simulations.
package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/transport"
)

// LatencyFunc returns the one-way delay from one endpoint to another.
type LatencyFunc func(from, to string) time.Duration

type Option func(*Network)

// WithClock sets the clock used to delay deliveries. Without it, or with zero
// latency, delivery is immediate.
func WithClock(c clock.Clock) Option { return func(n *Network) { n.clk = c } }

// WithLatency sets the one-way delay between endpoints.
func WithLatency(fn LatencyFunc) Option { return func(n *Network) { n.latency = fn } }

// WithRegisterHook lets a test fail registrations with arbitrary errors.
func WithRegisterHook(fn func(name string) error) Option {
	return func(n *Network) { n.registerHook = fn }
}

// Network is the directory plus the wires between endpoints.
type Network struct {
	clk          clock.Clock
	latency      LatencyFunc
	registerHook func(name string) error

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	lastAt    map[string]time.Duration // per-direction FIFO watermark
	inflight  map[string]int
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		endpoints: make(map[string]*Endpoint),
		lastAt:    make(map[string]time.Duration),
		inflight:  make(map[string]int),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

var _ transport.Directory = (*Network)(nil)

func (n *Network) Register(ctx context.Context, name string, sink transport.Sink) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.registerHook != nil {
		if err := n.registerHook(name); err != nil {
			return nil, err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.endpoints[name]; taken {
		return nil, transport.ErrNameTaken
	}
	ep := &Endpoint{net: n, id: name, sink: sink, channels: make(map[string]*channel)}
	n.endpoints[name] = ep
	return ep, nil
}

func (n *Network) RegisterAnonymous(ctx context.Context, sink transport.Sink) (transport.Endpoint, error) {
	return n.Register(ctx, uuid.NewString(), sink)
}

// Names returns the currently claimed names.
func (n *Network) Names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.endpoints))
	for name := range n.endpoints {
		out = append(out, name)
	}
	return out
}

// Disconnect severs every channel between endpoints a and b, as if the link
// failed. Both sides get a close event.
func (n *Network) Disconnect(a, b string) int {
	n.mu.Lock()
	ea, eb := n.endpoints[a], n.endpoints[b]
	n.mu.Unlock()
	if ea == nil || eb == nil {
		return 0
	}

	var victims []*channel
	ea.mu.Lock()
	for _, ch := range ea.channels {
		if ch.remote == b {
			victims = append(victims, ch)
		}
	}
	ea.mu.Unlock()

	for _, ch := range victims {
		ch.fail()
	}
	return len(victims)
}

// deliver hands fn to the receiving side after the link latency, keeping
// per-direction FIFO order.
func (n *Network) deliver(from, to string, fn func()) {
	var d time.Duration
	if n.latency != nil {
		d = n.latency(from, to)
	}
	if n.clk == nil {
		fn()
		return
	}

	key := from + "\x00" + to
	n.mu.Lock()
	now := n.clk.Now()
	if d <= 0 && n.inflight[key] == 0 {
		n.mu.Unlock()
		fn()
		return
	}
	at := now + d
	if last := n.lastAt[key]; last > at {
		at = last
	}
	n.lastAt[key] = at
	n.inflight[key]++
	n.mu.Unlock()

	n.clk.AfterFunc(at-now, func() {
		n.mu.Lock()
		n.inflight[key]--
		n.mu.Unlock()
		fn()
	})
}

func (n *Network) lookup(name string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[name]
}

func (n *Network) release(ep *Endpoint) {
	n.mu.Lock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
	n.mu.Unlock()
}

// Endpoint is one claimed name on a Network.
type Endpoint struct {
	net  *Network
	id   string
	sink transport.Sink

	mu       sync.Mutex
	closed   bool
	channels map[string]*channel
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Dial(ctx context.Context, name, label string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	remote := e.net.lookup(name)
	if remote == nil {
		return nil, fmt.Errorf("dial %s: %w", name, transport.ErrUnknownPeer)
	}

	id := uuid.NewString()
	local := &channel{id: id, owner: e, remote: name, label: label, open: true}
	far := &channel{id: id + "/r", owner: remote, remote: e.id, label: label, open: true}
	local.peer, far.peer = far, local

	if !remote.attach(far) {
		return nil, fmt.Errorf("dial %s: %w", name, transport.ErrUnknownPeer)
	}
	e.attach(local)

	e.net.deliver(e.id, name, func() {
		remote.emit(transport.Event{Kind: transport.EventOpen, Channel: far})
	})
	return local, nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := make([]*channel, 0, len(e.channels))
	for _, ch := range e.channels {
		chans = append(chans, ch)
	}
	e.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	e.net.release(e)
	return nil
}

func (e *Endpoint) attach(ch *channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[ch.id] = ch
	return true
}

func (e *Endpoint) detach(ch *channel) {
	e.mu.Lock()
	delete(e.channels, ch.id)
	e.mu.Unlock()
}

func (e *Endpoint) emit(ev transport.Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

type channel struct {
	id     string
	owner  *Endpoint
	peer   *channel
	remote string
	label  string

	mu   sync.Mutex
	open bool
}

func (c *channel) ID() string     { return c.id }
func (c *channel) Remote() string { return c.remote }
func (c *channel) Label() string  { return c.label }

func (c *channel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *channel) Send(payload []byte) error {
	if !c.isOpen() {
		return transport.ErrClosed
	}
	b := append([]byte(nil), payload...)
	far := c.peer
	c.owner.net.deliver(c.owner.id, c.remote, func() {
		if !far.isOpen() {
			return
		}
		far.owner.emit(transport.Event{Kind: transport.EventMessage, Channel: far, Payload: b})
	})
	return nil
}

// Close shuts the local side silently and reports a close to the far side
// once in-flight records have been delivered.
func (c *channel) Close() error {
	if !c.shut() {
		return nil
	}
	c.owner.detach(c)
	far := c.peer
	c.owner.net.deliver(c.owner.id, c.remote, func() {
		if far.shut() {
			far.owner.detach(far)
			far.owner.emit(transport.Event{Kind: transport.EventClose, Channel: far})
		}
	})
	return nil
}

// fail closes both sides at once and notifies both, like a dropped link.
func (c *channel) fail() {
	for _, side := range []*channel{c, c.peer} {
		if side.shut() {
			side.owner.detach(side)
			log.Printf("MEMNET: link %s -> %s dropped", side.owner.id, side.remote)
			side.owner.emit(transport.Event{Kind: transport.EventClose, Channel: side, Err: transport.ErrClosed})
		}
	}
}

func (c *channel) shut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.open = false
	return true
}
