// Package p2p is a transport.Directory over libp2p. Names are rendezvous
// leases that map to a peer id and its listen multiaddrs; each channel is a
// libp2p stream carrying a JSON header line followed by newline-delimited
// records.
package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopbeat/internal/rendezvous"
	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/util"
)

const ProtocolID = "/goopbeat/channel/1.0.0"

const (
	headerTimeout = 10 * time.Second
	maxRecord     = 1 << 20
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors go
	// to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("net/identify", "error")
}

// header opens every stream; the callee answers with one of its own.
type header struct {
	Channel string `json:"channel,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Label   string `json:"label,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Options struct {
	ListenPort int
	// Identity key file. Empty uses a fresh key per endpoint.
	KeyFile string
	// Listen multiaddrs; defaults to all IPv4 interfaces on ListenPort.
	ListenAddrs []string
	LeaseTTL    time.Duration
}

type Directory struct {
	rv   *rendezvous.Client
	opts Options
}

func New(rendezvousURL string, opts Options) *Directory {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = rendezvous.DefaultLeaseTTL
	}
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)}
	}
	return &Directory{rv: rendezvous.NewClient(rendezvousURL), opts: opts}
}

var _ transport.Directory = (*Directory)(nil)

func (d *Directory) Register(ctx context.Context, name string, sink transport.Sink) (transport.Endpoint, error) {
	if name == "" {
		return nil, errors.New("p2p: empty name")
	}
	return d.connect(ctx, name, sink)
}

func (d *Directory) RegisterAnonymous(ctx context.Context, sink transport.Sink) (transport.Endpoint, error) {
	return d.connect(ctx, "", sink)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("P2P: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	log.Printf("P2P: generated new identity key: %s", keyFile)
	return priv, nil
}

func (d *Directory) connect(ctx context.Context, name string, sink transport.Sink) (*Endpoint, error) {
	opts := []libp2p.Option{libp2p.ListenAddrStrings(d.opts.ListenAddrs...)}
	if d.opts.KeyFile != "" {
		priv, err := loadOrCreateKey(d.opts.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p host: %w", err)
	}

	addrs := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		addrs = append(addrs, a.String())
	}
	lease, err := d.rv.Claim(ctx, rendezvous.LeaseRequest{
		Name:       name,
		PeerID:     h.ID().String(),
		Addrs:      addrs,
		TTLSeconds: int(d.opts.LeaseTTL / time.Second),
	})
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		dir:      d,
		host:     h,
		lease:    lease,
		sink:     sink,
		channels: make(map[string]*channel),
		cancel:   cancel,
	}
	h.SetStreamHandler(protocol.ID(ProtocolID), ep.handleStream)
	go ep.renewLoop(rctx)

	log.Printf("P2P: %s is %s with %d addr(s)", lease.Name, h.ID(), len(addrs))
	return ep, nil
}

type Endpoint struct {
	dir  *Directory
	host host.Host
	sink transport.Sink

	mu       sync.Mutex
	lease    rendezvous.Lease
	channels map[string]*channel
	closed   bool

	cancel context.CancelFunc
}

var _ transport.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lease.Name
}

// Host exposes the libp2p host, mainly for diagnostics.
func (e *Endpoint) Host() host.Host { return e.host }

func (e *Endpoint) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(e.dir.opts.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			l := e.lease
			e.mu.Unlock()

			rctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
			next, err := e.dir.rv.Renew(rctx, l, int(e.dir.opts.LeaseTTL/time.Second))
			if errors.Is(err, rendezvous.ErrLeaseLost) {
				// Try to take the name back; someone else may hold it now.
				next, err = e.dir.rv.Claim(rctx, rendezvous.LeaseRequest{
					Name: l.Name, PeerID: l.PeerID, Addrs: l.Addrs,
					TTLSeconds: int(e.dir.opts.LeaseTTL / time.Second),
				})
			}
			cancel()
			if err != nil {
				log.Printf("P2P: lease %s: %v", l.Name, err)
				continue
			}
			e.mu.Lock()
			e.lease = next
			e.mu.Unlock()
		}
	}
}

func (e *Endpoint) Dial(ctx context.Context, name, label string) (transport.Channel, error) {
	lease, err := e.dir.rv.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	pid, err := peer.Decode(lease.PeerID)
	if err != nil {
		return nil, fmt.Errorf("p2p dial %s: bad peer id: %w", name, err)
	}
	addrs := make([]ma.Multiaddr, 0, len(lease.Addrs))
	for _, s := range lease.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("P2P: skipping bad addr %q for %s: %v", s, name, err)
			continue
		}
		addrs = append(addrs, a)
	}
	e.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)

	s, err := e.host.NewStream(ctx, pid, protocol.ID(ProtocolID))
	if err != nil {
		return nil, fmt.Errorf("p2p dial %s: %w", name, err)
	}

	ch := newChannel(e, s, uuid.NewString(), name, label)
	_ = s.SetDeadline(time.Now().Add(headerTimeout))
	if err := ch.writeJSON(header{Channel: ch.id, From: e.ID(), To: name, Label: label}); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("p2p dial %s: %w", name, err)
	}
	var reply header
	if err := ch.readJSON(&reply); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("p2p dial %s: %w", name, err)
	}
	_ = s.SetDeadline(time.Time{})
	if !reply.OK {
		_ = s.Reset()
		if reply.Error == rendezvous.ErrCodeUnknownPeer {
			return nil, transport.ErrUnknownPeer
		}
		return nil, fmt.Errorf("p2p dial %s: %s", name, reply.Error)
	}

	if !e.track(ch) {
		_ = s.Reset()
		return nil, transport.ErrClosed
	}
	go ch.readLoop()
	return ch, nil
}

func (e *Endpoint) handleStream(s network.Stream) {
	ch := newChannel(e, s, "", "", "")
	_ = s.SetDeadline(time.Now().Add(headerTimeout))

	var h header
	if err := ch.readJSON(&h); err != nil {
		log.Printf("P2P: bad header from %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}
	if h.To != e.ID() {
		_ = ch.writeJSON(header{Error: rendezvous.ErrCodeUnknownPeer})
		_ = s.Close()
		return
	}
	if err := ch.writeJSON(header{OK: true}); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})

	ch.id, ch.remote, ch.label = h.Channel, h.From, h.Label
	if ch.id == "" {
		ch.id = uuid.NewString()
	}
	if !e.track(ch) {
		_ = s.Reset()
		return
	}
	e.sink(transport.Event{Kind: transport.EventOpen, Channel: ch})
	ch.readLoop()
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
	lease := e.lease
	e.mu.Unlock()

	e.cancel()
	for _, ch := range chans {
		_ = ch.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := e.dir.rv.Release(ctx, lease); err != nil {
		log.Printf("P2P: release %s: %v", lease.Name, err)
	}
	return e.host.Close()
}

type channel struct {
	ep     *Endpoint
	s      network.Stream
	r      *bufio.Reader
	id     string
	remote string
	label  string

	wmu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newChannel(ep *Endpoint, s network.Stream, id, remote, label string) *channel {
	return &channel{ep: ep, s: s, r: bufio.NewReaderSize(s, 4096), id: id, remote: remote, label: label}
}

func (c *channel) ID() string     { return c.id }
func (c *channel) Remote() string { return c.remote }
func (c *channel) Label() string  { return c.label }

func (c *channel) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeLine(b)
}

func (c *channel) writeLine(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	if _, err := c.s.Write(line); err != nil {
		return err
	}
	return nil
}

func (c *channel) readLine() ([]byte, error) {
	var line []byte
	for {
		part, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, part...)
		if len(line) > maxRecord {
			return nil, errors.New("record too large")
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *channel) readJSON(v any) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

func (c *channel) readLoop() {
	for {
		line, err := c.readLine()
		if err != nil {
			if c.markClosed() {
				c.ep.untrack(c)
				_ = c.s.Reset()
				c.ep.sink(transport.Event{Kind: transport.EventClose, Channel: c, Err: err})
			}
			return
		}
		if len(line) == 0 || c.isClosed() {
			continue
		}
		c.ep.sink(transport.Event{Kind: transport.EventMessage, Channel: c, Payload: line})
	}
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

// Send writes one record. Records are newline-framed, so JSON with embedded
// newlines is compacted and anything else containing one is refused.
func (c *channel) Send(payload []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if bytes.IndexByte(payload, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return errors.New("p2p: record contains a newline")
		}
		payload = buf.Bytes()
	}
	if err := c.writeLine(payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return nil
}

func (c *channel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.ep.untrack(c)
	return c.s.Close()
}
