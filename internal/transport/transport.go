// Package transport describes the channel and naming service a session
// consumes. Concrete implementations live in subpackages: memory (in-process),
// wsrelay (rendezvous websocket switch), rtc (WebRTC data channels) and p2p
// (libp2p streams).
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNameTaken is returned by Register when another endpoint already
	// holds the name.
	ErrNameTaken = errors.New("transport: name already taken")

	// ErrClosed is returned by Send on a channel that is not open.
	ErrClosed = errors.New("transport: channel closed")

	// ErrUnknownPeer is returned by Dial when no endpoint holds the name.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

type EventKind int

const (
	// EventOpen announces an inbound channel. Dialed channels are returned
	// open by Dial and produce no open event.
	EventOpen EventKind = iota
	// EventMessage carries one record received on a channel.
	EventMessage
	// EventClose reports that the remote side closed the channel or the
	// link failed. Closing a channel locally does not produce one.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Channel Channel
	Payload []byte
	Err     error
}

// Sink receives every event for an endpoint. Implementations call it from
// their own goroutines; it must not block.
type Sink func(Event)

// Channel is a named, ordered, reliable, bidirectional message channel.
type Channel interface {
	// ID is unique per channel within the process.
	ID() string
	// Remote is the directory name of the other endpoint.
	Remote() string
	// Label is the purpose tag given to Dial.
	Label() string
	Send(payload []byte) error
	Close() error
}

// Endpoint is a claimed directory name.
type Endpoint interface {
	ID() string
	// Dial opens a channel to the endpoint holding name. It returns once the
	// channel is open.
	Dial(ctx context.Context, name, label string) (Channel, error)
	// Close releases the name and closes every channel.
	Close() error
}

// Directory hands out endpoints. Names are first-claim-wins.
type Directory interface {
	Register(ctx context.Context, name string, sink Sink) (Endpoint, error)
	RegisterAnonymous(ctx context.Context, sink Sink) (Endpoint, error)
}
