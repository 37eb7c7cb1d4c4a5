// Package rtc is a transport.Directory whose channels are WebRTC data
// channels. Names and signalling ride on the rendezvous websocket switch
// (wsrelay); once the data channel opens the signalling channel is dropped
// and records flow peer to peer.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/transport/wsrelay"
)

const signalLabel = "rtc-signal"

// signal is one offer/answer exchange on the signalling channel.
type signal struct {
	Type  string `json:"type"` // offer, answer, error
	SDP   string `json:"sdp,omitempty"`
	Label string `json:"label,omitempty"`
	Error string `json:"error,omitempty"`
}

type Option func(*webrtc.SettingEngine)

// WithLoopback gathers loopback candidates, which lets two endpoints in one
// process connect without any network interface.
func WithLoopback() Option {
	return func(se *webrtc.SettingEngine) { se.SetIncludeLoopbackCandidate(true) }
}

type Directory struct {
	signal *wsrelay.Directory
	api    *webrtc.API
	config webrtc.Configuration
}

func New(rendezvousURL string, iceServers []string, opts ...Option) (*Directory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	for _, o := range opts {
		o(&se)
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Directory{
		signal: wsrelay.New(rendezvousURL),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: cfg,
	}, nil
}

var _ transport.Directory = (*Directory)(nil)

func (d *Directory) Register(ctx context.Context, name string, sink transport.Sink) (transport.Endpoint, error) {
	if name == "" {
		return nil, errors.New("rtc: empty name")
	}
	return d.connect(ctx, name, sink)
}

func (d *Directory) RegisterAnonymous(ctx context.Context, sink transport.Sink) (transport.Endpoint, error) {
	return d.connect(ctx, "", sink)
}

func (d *Directory) connect(ctx context.Context, name string, sink transport.Sink) (*Endpoint, error) {
	ep := &Endpoint{
		dir:      d,
		sink:     sink,
		channels: make(map[string]*channel),
		answers:  make(map[string]chan signal),
	}
	sig, err := d.signal.Connect(ctx, name, ep.onSignal)
	if err != nil {
		return nil, err
	}
	ep.sig = sig
	return ep, nil
}

type Endpoint struct {
	dir  *Directory
	sig  *wsrelay.Endpoint
	sink transport.Sink

	mu       sync.Mutex
	channels map[string]*channel
	answers  map[string]chan signal // signalling channel id -> pending dial
	closed   bool
}

var _ transport.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) ID() string { return e.sig.ID() }

func (e *Endpoint) Dial(ctx context.Context, name, label string) (transport.Channel, error) {
	sigCh, err := e.sig.Dial(ctx, name, signalLabel)
	if err != nil {
		return nil, err
	}
	defer sigCh.Close()

	answer := make(chan signal, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, transport.ErrClosed
	}
	e.answers[sigCh.ID()] = answer
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.answers, sigCh.ID())
		e.mu.Unlock()
	}()

	pc, err := e.dir.api.NewPeerConnection(e.dir.config)
	if err != nil {
		return nil, fmt.Errorf("rtc dial %s: %w", name, err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc dial %s: %w", name, err)
	}

	ch := &channel{ep: e, id: uuid.NewString(), remote: name, label: label, pc: pc, dc: dc}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	ch.wire()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rtc offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rtc offer: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}

	b, _ := json.Marshal(signal{Type: "offer", SDP: pc.LocalDescription().SDP, Label: label})
	if err := sigCh.Send(b); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rtc offer: %w", err)
	}

	var ans signal
	select {
	case ans = <-answer:
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}
	if ans.Type != "answer" {
		ch.Close()
		return nil, fmt.Errorf("rtc dial %s: %s", name, ans.Error)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.SDP}); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rtc answer: %w", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}

	if !e.track(ch) {
		ch.Close()
		return nil, transport.ErrClosed
	}
	log.Printf("RTC: data channel %q to %s open", label, name)
	return ch, nil
}

func (e *Endpoint) track(ch *channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[ch.id] = ch
	return true
}

func (e *Endpoint) untrack(ch *channel) {
	e.mu.Lock()
	delete(e.channels, ch.id)
	e.mu.Unlock()
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
	e.channels = make(map[string]*channel)
	e.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	return e.sig.Close()
}

// onSignal is the sink of the signalling endpoint.
func (e *Endpoint) onSignal(ev transport.Event) {
	if ev.Kind != transport.EventMessage {
		return
	}
	var s signal
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		log.Printf("RTC: bad signal from %s: %v", ev.Channel.Remote(), err)
		return
	}
	switch s.Type {
	case "offer":
		// Answering waits for ICE gathering; keep it off the socket reader.
		go e.answer(ev.Channel, s)
	case "answer", "error":
		e.mu.Lock()
		w, ok := e.answers[ev.Channel.ID()]
		e.mu.Unlock()
		if ok {
			select {
			case w <- s:
			default:
			}
		}
	}
}

func (e *Endpoint) answer(sigCh transport.Channel, offer signal) {
	reject := func(err error) {
		log.Printf("RTC: answering %s: %v", sigCh.Remote(), err)
		b, _ := json.Marshal(signal{Type: "error", Error: err.Error()})
		_ = sigCh.Send(b)
	}

	pc, err := e.dir.api.NewPeerConnection(e.dir.config)
	if err != nil {
		reject(err)
		return
	}

	remote := sigCh.Remote()
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch := &channel{ep: e, id: uuid.NewString(), remote: remote, label: dc.Label(), pc: pc, dc: dc}
		ch.wire()
		dc.OnOpen(func() {
			if !e.track(ch) {
				ch.Close()
				return
			}
			e.sink(transport.Event{Kind: transport.EventOpen, Channel: ch})
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		reject(err)
		return
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		reject(err)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(ans); err != nil {
		pc.Close()
		reject(err)
		return
	}
	<-gathered

	b, _ := json.Marshal(signal{Type: "answer", SDP: pc.LocalDescription().SDP})
	if err := sigCh.Send(b); err != nil {
		pc.Close()
		log.Printf("RTC: answer to %s: %v", remote, err)
	}
}

type channel struct {
	ep     *Endpoint
	id     string
	remote string
	label  string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	mu     sync.Mutex
	closed bool
}

func (c *channel) ID() string     { return c.id }
func (c *channel) Remote() string { return c.remote }
func (c *channel) Label() string  { return c.label }

// wire forwards data channel traffic to the endpoint sink.
func (c *channel) wire() {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.isClosed() {
			return
		}
		c.ep.sink(transport.Event{Kind: transport.EventMessage, Channel: c, Payload: msg.Data})
	})
	c.dc.OnClose(func() { c.remoteClosed(nil) })
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.remoteClosed(fmt.Errorf("peer connection %s", s))
		}
	})
}

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

func (c *channel) remoteClosed(err error) {
	if !c.markClosed() {
		return
	}
	c.ep.untrack(c)
	_ = c.pc.Close()
	c.ep.sink(transport.Event{Kind: transport.EventClose, Channel: c, Err: err})
}

func (c *channel) Send(payload []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := c.dc.Send(payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return nil
}

func (c *channel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.ep.untrack(c)
	_ = c.dc.Close()
	return c.pc.Close()
}
