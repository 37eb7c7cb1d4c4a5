package rendezvous

// Frame types exchanged over /ws. A client claims a name by connecting, then
// multiplexes any number of channels over the one socket.
const (
	FrameWelcome = "welcome" // server -> client: Name is the claimed identity
	FrameOpen    = "open"    // client -> server: Name is the target; server -> callee: Name is the caller
	FrameOpened  = "opened"  // server -> caller: the callee has been told
	FrameData    = "data"
	FrameClose   = "close"
	FrameError   = "error" // Channel is set when the error concerns one channel
)

// Error codes carried in error frames.
const (
	ErrCodeUnknownPeer      = "unknown_peer"
	ErrCodeDuplicateChannel = "duplicate_channel"
	ErrCodeBadFrame         = "bad_frame"
)

type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Name    string `json:"name,omitempty"`
	Label   string `json:"label,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LeaseRequest claims or renews a name in the lease registry. Name may be
// empty on claim, in which case the server assigns one.
type LeaseRequest struct {
	Name       string   `json:"name"`
	PeerID     string   `json:"peer_id"`
	Addrs      []string `json:"addrs"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
	Token      string   `json:"token,omitempty"`
}

// Lease is a granted name. Token is only returned to the holder.
type Lease struct {
	Name      string   `json:"name"`
	PeerID    string   `json:"peer_id,omitempty"`
	Addrs     []string `json:"addrs,omitempty"`
	Token     string   `json:"token,omitempty"`
	ExpiresAt int64    `json:"expires_at"`
}

// Event is pushed to /events subscribers.
type Event struct {
	Type string `json:"type"` // claim, release, expire
	Name string `json:"name"`
	Kind string `json:"kind"`
	TS   int64  `json:"ts"`
}

// ClaimInfo is one row of /claims.json.
type ClaimInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Remote    string `json:"remote,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	Channels  int    `json:"channels"`
	Since     int64  `json:"since"`
	ExpiresAt int64  `json:"expires_at"`
	Local     bool   `json:"local"`
}
