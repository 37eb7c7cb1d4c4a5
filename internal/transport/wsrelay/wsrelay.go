// Package wsrelay is a transport.Directory backed by the rendezvous server's
// websocket switch. Connecting claims the name; every channel is multiplexed
// over that one socket and relayed by the server.
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopbeat/internal/rendezvous"
	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/util"
)

const writeWait = 10 * time.Second

type Directory struct {
	client *rendezvous.Client
	dialer *websocket.Dialer
}

func New(rendezvousURL string) *Directory {
	return &Directory{
		client: rendezvous.NewClient(rendezvousURL),
		dialer: &websocket.Dialer{
			HandshakeTimeout: util.DefaultConnectTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

var _ transport.Directory = (*Directory)(nil)

func (d *Directory) Register(ctx context.Context, name string, sink transport.Sink) (transport.Endpoint, error) {
	if name == "" {
		return nil, errors.New("wsrelay: empty name")
	}
	return d.Connect(ctx, name, sink)
}

func (d *Directory) RegisterAnonymous(ctx context.Context, sink transport.Sink) (transport.Endpoint, error) {
	return d.Connect(ctx, "", sink)
}

// Connect claims name (or an anonymous identity when empty) and returns the
// concrete endpoint.
func (d *Directory) Connect(ctx context.Context, name string, sink transport.Sink) (*Endpoint, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.client.SocketURL(name), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, transport.ErrNameTaken
		}
		return nil, fmt.Errorf("wsrelay connect: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(util.DefaultConnectTimeout))
	var welcome rendezvous.Frame
	if err := ws.ReadJSON(&welcome); err != nil || welcome.Type != rendezvous.FrameWelcome || welcome.Name == "" {
		ws.Close()
		if err == nil {
			err = fmt.Errorf("unexpected %q frame", welcome.Type)
		}
		return nil, fmt.Errorf("wsrelay welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	ep := &Endpoint{
		id:       welcome.Name,
		ws:       ws,
		sink:     sink,
		channels: make(map[string]*channel),
		pending:  make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go ep.readLoop()
	log.Printf("RELAY: connected as %s", ep.id)
	return ep, nil
}

type Endpoint struct {
	id   string
	ws   *websocket.Conn
	sink transport.Sink

	wmu sync.Mutex

	mu       sync.Mutex
	channels map[string]*channel
	pending  map[string]chan error
	closed   bool

	done chan struct{}
}

var _ transport.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) ID() string { return e.id }

// Done is closed once the socket is gone.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) write(f rendezvous.Frame) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	_ = e.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return e.ws.WriteJSON(f)
}

func (e *Endpoint) Dial(ctx context.Context, name, label string) (transport.Channel, error) {
	ch := &channel{ep: e, id: uuid.NewString(), remote: name, label: label}
	wait := make(chan error, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, transport.ErrClosed
	}
	// Registered before the open frame goes out: the callee may answer
	// before our opened arrives.
	e.channels[ch.id] = ch
	e.pending[ch.id] = wait
	e.mu.Unlock()

	fail := func(err error) (transport.Channel, error) {
		e.mu.Lock()
		delete(e.channels, ch.id)
		delete(e.pending, ch.id)
		e.mu.Unlock()
		return nil, err
	}

	if err := e.write(rendezvous.Frame{Type: rendezvous.FrameOpen, Channel: ch.id, Name: name, Label: label}); err != nil {
		return fail(fmt.Errorf("wsrelay dial %s: %w", name, err))
	}

	select {
	case err := <-wait:
		if err != nil {
			return fail(err)
		}
		return ch, nil
	case <-ctx.Done():
		_ = e.write(rendezvous.Frame{Type: rendezvous.FrameClose, Channel: ch.id})
		return fail(ctx.Err())
	}
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, ch := range e.channels {
		ch.markClosed()
		delete(e.channels, id)
	}
	for id, w := range e.pending {
		w <- transport.ErrClosed
		delete(e.pending, id)
	}
	e.mu.Unlock()

	e.wmu.Lock()
	_ = e.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	e.wmu.Unlock()
	return e.ws.Close()
}

func (e *Endpoint) readLoop() {
	defer close(e.done)
	for {
		var f rendezvous.Frame
		if err := e.ws.ReadJSON(&f); err != nil {
			e.lost(err)
			return
		}
		e.handle(f)
	}
}

func (e *Endpoint) handle(f rendezvous.Frame) {
	switch f.Type {
	case rendezvous.FrameOpen:
		ch := &channel{ep: e, id: f.Channel, remote: f.Name, label: f.Label}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.channels[ch.id] = ch
		e.mu.Unlock()
		e.sink(transport.Event{Kind: transport.EventOpen, Channel: ch})

	case rendezvous.FrameOpened:
		e.resolve(f.Channel, nil)

	case rendezvous.FrameError:
		var err error
		switch f.Error {
		case rendezvous.ErrCodeUnknownPeer:
			err = transport.ErrUnknownPeer
		default:
			err = fmt.Errorf("wsrelay: %s", f.Error)
		}
		if !e.resolve(f.Channel, err) {
			log.Printf("RELAY: server error on %q: %s", f.Channel, f.Error)
		}

	case rendezvous.FrameData:
		e.mu.Lock()
		ch := e.channels[f.Channel]
		e.mu.Unlock()
		if ch != nil {
			e.sink(transport.Event{Kind: transport.EventMessage, Channel: ch, Payload: f.Data})
		}

	case rendezvous.FrameClose:
		e.mu.Lock()
		ch := e.channels[f.Channel]
		delete(e.channels, f.Channel)
		e.mu.Unlock()
		if ch != nil && ch.markClosed() {
			e.sink(transport.Event{Kind: transport.EventClose, Channel: ch})
		}
	}
}

// resolve completes a pending Dial. It reports whether one was waiting.
func (e *Endpoint) resolve(id string, err error) bool {
	e.mu.Lock()
	w, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if ok {
		w <- err
	}
	return ok
}

// lost reports every open channel closed after the socket dropped, unless
// the endpoint was closed locally.
func (e *Endpoint) lost(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	chans := make([]*channel, 0, len(e.channels))
	for id, ch := range e.channels {
		chans = append(chans, ch)
		delete(e.channels, id)
	}
	for id, w := range e.pending {
		w <- transport.ErrClosed
		delete(e.pending, id)
	}
	e.mu.Unlock()

	log.Printf("RELAY: %s lost its socket: %v", e.id, err)
	for _, ch := range chans {
		if ch.markClosed() {
			e.sink(transport.Event{Kind: transport.EventClose, Channel: ch, Err: err})
		}
	}
}

type channel struct {
	ep     *Endpoint
	id     string
	remote string
	label  string

	mu     sync.Mutex
	closed bool
}

func (c *channel) ID() string     { return c.id }
func (c *channel) Remote() string { return c.remote }
func (c *channel) Label() string  { return c.label }

// markClosed reports whether this call closed the channel.
func (c *channel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) Send(payload []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := c.ep.write(rendezvous.Frame{Type: rendezvous.FrameData, Channel: c.id, Data: payload}); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return nil
}

func (c *channel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.ep.mu.Lock()
	delete(c.ep.channels, c.id)
	c.ep.mu.Unlock()
	_ = c.ep.write(rendezvous.Frame{Type: rendezvous.FrameClose, Channel: c.id})
	return nil
}
