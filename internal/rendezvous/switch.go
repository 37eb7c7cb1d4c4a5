package rendezvous

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingEvery   = 25 * time.Second
	wsMaxFrame    = 1 << 20
	wsSendBacklog = 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are not browsers; any origin may claim a name.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one claimed socket. Frames to it are queued on out and written
// by a single goroutine, so per-channel order is the order of send calls.
type wsConn struct {
	name   string
	remote string
	ws     *websocket.Conn
	out    chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	// channels is guarded by Server.mu.
	channels map[string]*route
}

// route joins two sockets under one channel id.
type route struct {
	id    string
	label string
	a, b  *wsConn
}

func (r *route) other(c *wsConn) *wsConn {
	switch c {
	case r.a:
		return r.b
	case r.b:
		return r.a
	}
	return nil
}

func (c *wsConn) send(f Frame) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.out <- f:
	case <-c.closed:
	default:
		log.Printf("RV: %s is not draining its socket, dropping it", c.name)
		c.kill()
	}
}

func (c *wsConn) kill() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	defer c.kill()

	for {
		select {
		case <-c.closed:
			return
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if !s.limiter.allow(ip, s.now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = anonymousName()
	} else if err := validName(name); err != nil {
		http.Error(w, "bad name: "+err.Error(), http.StatusBadRequest)
		return
	}

	cl := &claim{
		Name:   name,
		Kind:   KindSocket,
		Token:  uuid.NewString(),
		Remote: ip,
		Since:  s.now(),
	}
	if err := s.claim(cl); err != nil {
		if err == errTaken {
			http.Error(w, "name already claimed", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.release(name, cl.Token, "release")
		return
	}

	c := &wsConn{
		name:     name,
		remote:   ip,
		ws:       ws,
		out:      make(chan Frame, wsSendBacklog),
		closed:   make(chan struct{}),
		channels: make(map[string]*route),
	}
	s.mu.Lock()
	cl.conn = c
	s.mu.Unlock()

	go c.writeLoop()
	c.send(Frame{Type: FrameWelcome, Name: name})

	s.readLoop(c)

	c.kill()
	s.dropConn(c)
	s.release(name, cl.Token, "release")
}

func (s *Server) readLoop(c *wsConn) {
	c.ws.SetReadLimit(wsMaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if _, ok := err.(*websocket.CloseError); !ok {
				select {
				case <-c.closed:
				default:
					log.Printf("RV: read from %s: %v", c.name, err)
				}
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *wsConn, f Frame) {
	switch f.Type {
	case FrameOpen:
		s.openRoute(c, f)

	case FrameData:
		s.mu.Lock()
		rt := s.routes[f.Channel]
		var peer *wsConn
		if rt != nil {
			peer = rt.other(c)
		}
		s.mu.Unlock()
		// A data frame racing a close is dropped silently.
		if peer != nil {
			peer.send(Frame{Type: FrameData, Channel: f.Channel, Data: f.Data})
		}

	case FrameClose:
		s.mu.Lock()
		rt := s.routes[f.Channel]
		var peer *wsConn
		if rt != nil {
			peer = rt.other(c)
		}
		if peer != nil {
			s.unrouteLocked(rt)
		}
		s.mu.Unlock()
		if peer != nil {
			peer.send(Frame{Type: FrameClose, Channel: f.Channel})
		}

	default:
		c.send(Frame{Type: FrameError, Channel: f.Channel, Error: ErrCodeBadFrame})
	}
}

func (s *Server) openRoute(c *wsConn, f Frame) {
	if f.Channel == "" || f.Name == "" || f.Name == c.name {
		c.send(Frame{Type: FrameError, Channel: f.Channel, Error: ErrCodeBadFrame})
		return
	}

	s.mu.Lock()
	if _, dup := s.routes[f.Channel]; dup {
		s.mu.Unlock()
		c.send(Frame{Type: FrameError, Channel: f.Channel, Error: ErrCodeDuplicateChannel})
		return
	}
	target, ok := s.claims[f.Name]
	if !ok || target.conn == nil {
		s.mu.Unlock()
		c.send(Frame{Type: FrameError, Channel: f.Channel, Error: ErrCodeUnknownPeer})
		return
	}
	rt := &route{id: f.Channel, label: f.Label, a: c, b: target.conn}
	s.routes[rt.id] = rt
	c.channels[rt.id] = rt
	target.conn.channels[rt.id] = rt
	s.mu.Unlock()

	// The callee learns of the channel before the caller may send on it, and
	// both frames go through the callee's single writer in order.
	rt.b.send(Frame{Type: FrameOpen, Channel: rt.id, Name: c.name, Label: rt.label})
	c.send(Frame{Type: FrameOpened, Channel: rt.id})
}

func (s *Server) unrouteLocked(rt *route) {
	delete(s.routes, rt.id)
	delete(rt.a.channels, rt.id)
	delete(rt.b.channels, rt.id)
}

// dropConn closes every channel of c, telling the other side.
func (s *Server) dropConn(c *wsConn) {
	s.mu.Lock()
	peers := make(map[string]*wsConn, len(c.channels))
	for id, rt := range c.channels {
		peers[id] = rt.other(c)
		s.unrouteLocked(rt)
	}
	s.mu.Unlock()

	for id, p := range peers {
		if p != nil {
			p.send(Frame{Type: FrameClose, Channel: id})
		}
	}
	if len(peers) > 0 {
		s.addLog(fmt.Sprintf("%s left, closed %d channel(s)", c.name, len(peers)))
	}
}

// closeAll drops every socket; used on shutdown.
func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.claims))
	for _, cl := range s.claims {
		if cl.conn != nil {
			conns = append(conns, cl.conn)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.kill()
	}
}
