// Package topology forms a room: the first peer to claim the room's hub
// identity becomes the hub, everyone else registers anonymously and keeps a
// channel to it. The hub tracks its spokes and relays room traffic between
// them.
//
// Join runs on the caller's goroutine. The returned Manager belongs to the
// session loop afterwards.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/util"
)

type Role int

const (
	Spoke Role = iota
	Hub
)

func (r Role) String() string {
	if r == Hub {
		return "hub"
	}
	return "spoke"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

type Manager struct {
	role  Role
	self  string
	hubID string
	ep    transport.Endpoint

	// spoke side
	hub transport.Channel
	// hub side, keyed by remote identity
	spokes map[string]transport.Channel

	peerCount int

	onSendError []func(error)
	onCount     []func(int)
}

// Join claims the room. Registration failures other than a taken name, and
// failing to reach the hub as a spoke, are returned wrapped; the caller owns
// retry policy.
func Join(ctx context.Context, dir transport.Directory, room string, sink transport.Sink) (*Manager, error) {
	room, err := util.ValidateRoomName(room)
	if err != nil {
		return nil, err
	}
	hubID := proto.HubIdentity(room)

	ep, err := dir.Register(ctx, hubID, sink)
	if err == nil {
		log.Printf("TOPO: claimed %s, acting as hub", hubID)
		return &Manager{
			role:      Hub,
			self:      hubID,
			hubID:     hubID,
			ep:        ep,
			spokes:    make(map[string]transport.Channel),
			peerCount: 1,
		}, nil
	}
	if !errors.Is(err, transport.ErrNameTaken) {
		return nil, fmt.Errorf("register %s: %w", hubID, err)
	}

	ep, err = dir.RegisterAnonymous(ctx, sink)
	if err != nil {
		return nil, fmt.Errorf("register anonymous: %w", err)
	}
	ch, err := ep.Dial(ctx, hubID, proto.LabelHub)
	if err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("dial hub %s: %w", hubID, err)
	}
	b, _ := proto.Encode(proto.Hello(ep.ID()))
	if err := ch.Send(b); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("hello to hub: %w", err)
	}
	log.Printf("TOPO: %s taken, joined as spoke %s", hubID, ep.ID())
	return &Manager{
		role:  Spoke,
		self:  ep.ID(),
		hubID: hubID,
		ep:    ep,
		hub:   ch,
	}, nil
}

func (m *Manager) Role() Role                   { return m.role }
func (m *Manager) IsHub() bool                  { return m.role == Hub }
func (m *Manager) SelfID() string               { return m.self }
func (m *Manager) HubID() string                { return m.hubID }
func (m *Manager) Endpoint() transport.Endpoint { return m.ep }

// HubChannel is the spoke's link to the hub, nil on the hub or once lost.
func (m *Manager) HubChannel() transport.Channel { return m.hub }

// OnSendError registers fn for failed sends. Failed sends are otherwise only
// logged.
func (m *Manager) OnSendError(fn func(error)) { m.onSendError = append(m.onSendError, fn) }

// OnPeerCount registers fn to run whenever the advisory count changes.
func (m *Manager) OnPeerCount(fn func(int)) { m.onCount = append(m.onCount, fn) }

// PeerCount is the number of peers in the room as this peer knows it.
func (m *Manager) PeerCount() int { return m.peerCount }

// Spokes returns the identities of the hub's connected spokes, sorted.
func (m *Manager) Spokes() []string {
	out := make([]string, 0, len(m.spokes))
	for id := range m.spokes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddSpoke records an inbound hub channel. A spoke that reconnects replaces
// its previous channel.
func (m *Manager) AddSpoke(ch transport.Channel) {
	if m.role != Hub {
		return
	}
	if old, ok := m.spokes[ch.Remote()]; ok && old != ch {
		_ = old.Close()
	}
	m.spokes[ch.Remote()] = ch
	log.Printf("TOPO: spoke %s connected (%d)", ch.Remote(), len(m.spokes))
	m.countChanged()
}

// RemoveSpoke drops a closed hub channel. It reports whether ch was tracked.
func (m *Manager) RemoveSpoke(ch transport.Channel) bool {
	if m.role != Hub {
		return false
	}
	if cur, ok := m.spokes[ch.Remote()]; !ok || cur != ch {
		return false
	}
	delete(m.spokes, ch.Remote())
	log.Printf("TOPO: spoke %s gone (%d)", ch.Remote(), len(m.spokes))
	m.countChanged()
	return true
}

// IsSpokeChannel reports whether ch is the hub's current channel to its
// remote.
func (m *Manager) IsSpokeChannel(ch transport.Channel) bool {
	return m.role == Hub && m.spokes[ch.Remote()] == ch
}

// IsHubChannel reports whether ch is the spoke's link to the hub.
func (m *Manager) IsHubChannel(ch transport.Channel) bool {
	return m.hub != nil && m.hub == ch
}

// HubLost forgets the spoke's hub channel. The role does not change.
func (m *Manager) HubLost() {
	if m.hub == nil {
		return
	}
	log.Printf("TOPO: lost hub %s, staying a spoke", m.hubID)
	m.hub = nil
}

// SetPeerCount records a count announced by the hub.
func (m *Manager) SetPeerCount(n int) {
	if m.role == Hub || n == m.peerCount {
		return
	}
	m.peerCount = n
	for _, fn := range m.onCount {
		fn(n)
	}
}

func (m *Manager) countChanged() {
	m.peerCount = len(m.spokes) + 1
	m.broadcastEnvelope(proto.Peers(m.peerCount), nil)
	for _, fn := range m.onCount {
		fn(m.peerCount)
	}
}

// Relay forwards a raw record from one spoke to every other spoke, unchanged.
// It returns the number of spokes written to.
func (m *Manager) Relay(from transport.Channel, raw []byte) int {
	if m.role != Hub {
		return 0
	}
	return m.broadcastRaw(raw, from)
}

// Publish sends a record into the room: to every spoke from the hub, or to
// the hub from a spoke.
func (m *Manager) Publish(env proto.Envelope) {
	if m.role == Hub {
		m.broadcastEnvelope(env, nil)
		return
	}
	if m.hub == nil {
		log.Printf("TOPO: no hub channel, dropping %s", env.Type)
		return
	}
	m.Send(m.hub, env)
}

// Send writes one record to ch, logging failures.
func (m *Manager) Send(ch transport.Channel, env proto.Envelope) bool {
	b, err := proto.Encode(env)
	if err != nil {
		log.Printf("TOPO: encode %s: %v", env.Type, err)
		return false
	}
	return m.sendRaw(ch, b)
}

func (m *Manager) broadcastEnvelope(env proto.Envelope, except transport.Channel) int {
	b, err := proto.Encode(env)
	if err != nil {
		log.Printf("TOPO: encode %s: %v", env.Type, err)
		return 0
	}
	return m.broadcastRaw(b, except)
}

func (m *Manager) broadcastRaw(b []byte, except transport.Channel) int {
	n := 0
	for _, id := range m.Spokes() {
		ch := m.spokes[id]
		if ch == except {
			continue
		}
		if m.sendRaw(ch, b) {
			n++
		}
	}
	return n
}

func (m *Manager) sendRaw(ch transport.Channel, b []byte) bool {
	if err := ch.Send(b); err != nil {
		log.Printf("TOPO: send to %s failed: %v", ch.Remote(), err)
		for _, fn := range m.onSendError {
			fn(err)
		}
		return false
	}
	return true
}

// Leave closes the endpoint, which releases the name and every channel.
func (m *Manager) Leave() error {
	m.hub = nil
	clear(m.spokes)
	return m.ep.Close()
}
