// internal/rendezvous/server.go
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopbeat/internal/util"
)

const (
	maxSSEClients      = 1024 // global SSE connection limit
	maxSSEClientsPerIP = 10   // per-IP SSE connection limit
	maxLogs            = 500

	DefaultLeaseTTL = 30 * time.Second
	maxLeaseTTL     = 10 * time.Minute
)

// Claim kinds.
const (
	KindSocket = "ws"    // held for as long as the websocket is connected
	KindLease  = "lease" // held until expiry unless renewed
)

var errTaken = errors.New("name already claimed")

type Options struct {
	// Public URL shown instead of auto-discovered LAN addresses.
	ExternalURL string
	// SQLite ledger path. Empty keeps claims in memory only.
	ClaimsDBPath string
	// Default lease lifetime; also how long a socket claim survives in the
	// ledger without a sweep refreshing it.
	LeaseTTL time.Duration
	// Claims per minute per remote IP. 0 disables the limit.
	ClaimRatePerMin int
	// How often expired leases are swept. Defaults to a third of LeaseTTL.
	SweepInterval time.Duration
}

type Server struct {
	addr string
	opts Options
	srv  *http.Server
	now  func() time.Time

	mu        sync.Mutex
	boundAddr string
	claims    map[string]*claim
	routes    map[string]*route
	clients   map[chan []byte]struct{}
	clientIPs map[chan []byte]string // channel -> remote IP (for per-IP tracking)

	logs    *util.RingBuffer[string]
	db      *claimDB // nil when persistence is disabled
	limiter *claimLimiter
}

type claim struct {
	Name    string
	Kind    string
	Token   string
	Remote  string
	PeerID  string
	Addrs   []string
	Since   time.Time
	Expires time.Time

	conn *wsConn // set for socket claims once upgraded
}

func (c *claim) expired(now time.Time) bool {
	return c.Kind == KindLease && now.After(c.Expires)
}

func New(addr string, opts Options) *Server {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.LeaseTTL / 3
	}
	return &Server{
		addr:      addr,
		opts:      opts,
		now:       time.Now,
		boundAddr: addr,
		claims:    make(map[string]*claim),
		routes:    make(map[string]*route),
		clients:   make(map[chan []byte]struct{}),
		clientIPs: make(map[chan []byte]string),
		logs:      util.NewRingBuffer[string](maxLogs),
		limiter:   newClaimLimiter(opts.ClaimRatePerMin),
	}
}

// OpenLedger attaches the SQLite claims ledger configured in Options. Start
// calls it; tests that drive Handler directly call it themselves.
func (s *Server) OpenLedger() error {
	if s.opts.ClaimsDBPath == "" || s.db != nil {
		return nil
	}
	db, err := openClaimDB(s.opts.ClaimsDBPath)
	if err != nil {
		return fmt.Errorf("open claims db: %w", err)
	}
	s.db = db
	s.addLog(fmt.Sprintf("claims ledger at %s", s.opts.ClaimsDBPath))
	return nil
}

// Handler returns the HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	// Channel switch
	mux.HandleFunc("GET /ws", s.handleWS)

	// Name leases
	mux.HandleFunc("POST /api/names", s.handleLeaseClaim)
	mux.HandleFunc("POST /api/names/{name}/renew", s.handleLeaseRenew)
	mux.HandleFunc("DELETE /api/names/{name}", s.handleLeaseRelease)
	mux.HandleFunc("GET /api/names/{name}", s.handleLeaseLookup)

	// Monitoring
	mux.HandleFunc("GET /claims.json", s.handleClaimsJSON)
	mux.HandleFunc("GET /logs.json", s.handleLogsJSON)
	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.OpenLedger(); err != nil {
		return err
	}

	go s.sweepLoop(ctx)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.closeAll()
		if s.db != nil {
			_ = s.db.close()
		}
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RV: server error: %v", err)
		}
	}()

	s.addLog(fmt.Sprintf("listening on %s", s.Addr()))
	return nil
}

// Addr is the bound listen address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) URL() string {
	if s.opts.ExternalURL != "" {
		return s.opts.ExternalURL
	}
	return "http://" + s.Addr()
}

// ConnectURLs returns HTTP URLs that remote peers can use to reach this
// server. If an external URL is configured, it returns that. Otherwise it
// pairs non-loopback IPv4 addresses with the listen port.
func (s *Server) ConnectURLs() []string {
	if s.opts.ExternalURL != "" {
		return []string{s.opts.ExternalURL}
	}

	_, port, _ := net.SplitHostPort(s.Addr())
	if port == "" {
		port = "8787"
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var urls []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		// Skip Docker, veth, and other virtual bridge interfaces
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "docker") ||
			strings.HasPrefix(name, "veth") ||
			strings.HasPrefix(name, "br-") ||
			strings.HasPrefix(name, "virbr") {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			urls = append(urls, fmt.Sprintf("http://%s:%s", ip.String(), port))
		}
	}
	return urls
}

// validName accepts identities usable verbatim in a query string and a
// URL path segment.
func validName(name string) error {
	if name == "" {
		return errors.New("name is empty")
	}
	if len(name) > 200 {
		return errors.New("name is longer than 200 characters")
	}
	if strings.ContainsAny(name, "/\\ ?#&%\t\r\n") {
		return errors.New("name contains a reserved character")
	}
	return nil
}

func anonymousName() string {
	return "anon-" + uuid.NewString()
}

// claim reserves cl.Name. A live claim held locally or in the ledger wins.
func (s *Server) claim(cl *claim) error {
	now := s.now()

	s.mu.Lock()
	if ex, ok := s.claims[cl.Name]; ok && !ex.expired(now) {
		s.mu.Unlock()
		return errTaken
	}
	s.claims[cl.Name] = cl
	s.mu.Unlock()

	if s.db != nil {
		ok, err := s.db.claim(claimRow{
			Name:      cl.Name,
			Owner:     cl.Token,
			Kind:      cl.Kind,
			PeerID:    cl.PeerID,
			Addrs:     cl.Addrs,
			ExpiresAt: now.Add(s.ttlFor(cl)).UnixMilli(),
		}, now.UnixMilli())
		if err != nil || !ok {
			s.mu.Lock()
			if s.claims[cl.Name] == cl {
				delete(s.claims, cl.Name)
			}
			s.mu.Unlock()
			if err != nil {
				return fmt.Errorf("claims ledger: %w", err)
			}
			return errTaken
		}
	}

	s.addLog(fmt.Sprintf("claimed %s (%s) from %s", cl.Name, cl.Kind, cl.Remote))
	s.publish(Event{Type: "claim", Name: cl.Name, Kind: cl.Kind, TS: now.UnixMilli()})
	return nil
}

func (s *Server) ttlFor(cl *claim) time.Duration {
	if cl.Kind == KindLease {
		return cl.Expires.Sub(s.now())
	}
	return s.opts.LeaseTTL
}

// release drops the claim on name if token still holds it.
func (s *Server) release(name, token, reason string) bool {
	s.mu.Lock()
	cl, ok := s.claims[name]
	if !ok || cl.Token != token {
		s.mu.Unlock()
		return false
	}
	delete(s.claims, name)
	s.mu.Unlock()

	if s.db != nil {
		s.db.release(name, token)
	}
	s.addLog(fmt.Sprintf("%s %s (%s)", reason, name, cl.Kind))
	s.publish(Event{Type: reason, Name: name, Kind: cl.Kind, TS: s.now().UnixMilli()})
	return true
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep expires leases, refreshes socket claims in the ledger and trims the
// rate limiter.
func (s *Server) sweep() {
	now := s.now()

	var expired, sockets []*claim
	s.mu.Lock()
	for _, cl := range s.claims {
		switch {
		case cl.expired(now):
			expired = append(expired, cl)
		case cl.Kind == KindSocket:
			sockets = append(sockets, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range expired {
		s.release(cl.Name, cl.Token, "expire")
	}

	if s.db != nil {
		until := now.Add(s.opts.LeaseTTL).UnixMilli()
		for _, cl := range sockets {
			if !s.db.renew(cl.Name, cl.Token, until) {
				log.Printf("RV: ledger lost socket claim %s", cl.Name)
			}
		}
		s.db.cleanupExpired(now.UnixMilli())
	}

	s.limiter.cleanup(now)
}

func (s *Server) snapshotClaims() []ClaimInfo {
	now := s.now()

	s.mu.Lock()
	out := make([]ClaimInfo, 0, len(s.claims))
	local := make(map[string]struct{}, len(s.claims))
	for _, cl := range s.claims {
		if cl.expired(now) {
			continue
		}
		info := ClaimInfo{
			Name:   cl.Name,
			Kind:   cl.Kind,
			Remote: cl.Remote,
			PeerID: cl.PeerID,
			Since:  cl.Since.UnixMilli(),
			Local:  true,
		}
		if cl.Kind == KindLease {
			info.ExpiresAt = cl.Expires.UnixMilli()
		}
		if cl.conn != nil {
			info.Channels = len(cl.conn.channels)
		}
		local[cl.Name] = struct{}{}
		out = append(out, info)
	}
	s.mu.Unlock()

	if s.db != nil {
		rows, err := s.db.loadLive(now.UnixMilli())
		if err != nil {
			log.Printf("RV: claimdb load: %v", err)
		}
		for _, r := range rows {
			if _, ok := local[r.Name]; ok {
				continue
			}
			out = append(out, ClaimInfo{Name: r.Name, Kind: r.Kind, PeerID: r.PeerID, ExpiresAt: r.ExpiresAt})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) handleClaimsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotClaims())
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Snapshot())
}

func (s *Server) addLog(msg string) {
	timestamp := s.now().Format("15:04:05")
	s.logs.Push(fmt.Sprintf("[%s] %s", timestamp, msg))

	// Also log to console
	log.Printf("RV: %s", msg)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, 64)
	if err := s.addClient(ch, extractIP(r.RemoteAddr)); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer s.removeClient(ch)

	// Initial comment so proxies flush headers
	_, _ = w.Write([]byte(": ok\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case b := <-ch:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) addClient(ch chan []byte, remoteIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) >= maxSSEClients {
		return fmt.Errorf("too many SSE connections (%d)", maxSSEClients)
	}

	ipCount := 0
	for _, ip := range s.clientIPs {
		if ip == remoteIP {
			ipCount++
		}
	}
	if ipCount >= maxSSEClientsPerIP {
		return fmt.Errorf("too many SSE connections from %s (%d)", remoteIP, maxSSEClientsPerIP)
	}

	s.clients[ch] = struct{}{}
	s.clientIPs[ch] = remoteIP
	return nil
}

func (s *Server) removeClient(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, ch)
	delete(s.clientIPs, ch)
}

func (s *Server) publish(ev Event) {
	b, _ := json.Marshal(ev)

	s.mu.Lock()
	clients := make([]chan []byte, 0, len(s.clients))
	for ch := range s.clients {
		clients = append(clients, ch)
	}
	s.mu.Unlock()

	for _, ch := range clients {
		select {
		case ch <- b:
		default:
			// slow client; drop rather than block
		}
	}
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
