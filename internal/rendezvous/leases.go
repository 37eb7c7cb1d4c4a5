package rendezvous

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (s *Server) leaseTTL(seconds int) time.Duration {
	if seconds <= 0 {
		return s.opts.LeaseTTL
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl > maxLeaseTTL {
		ttl = maxLeaseTTL
	}
	return ttl
}

// POST /api/names
func (s *Server) handleLeaseClaim(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if !s.limiter.allow(ip, s.now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req LeaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = anonymousName()
	} else if err := validName(req.Name); err != nil {
		http.Error(w, "bad name: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PeerID) == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	now := s.now()
	cl := &claim{
		Name:    req.Name,
		Kind:    KindLease,
		Token:   uuid.NewString(),
		Remote:  ip,
		PeerID:  req.PeerID,
		Addrs:   req.Addrs,
		Since:   now,
		Expires: now.Add(s.leaseTTL(req.TTLSeconds)),
	}
	if err := s.claim(cl); err != nil {
		if err == errTaken {
			http.Error(w, "name already claimed", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, Lease{
		Name:      cl.Name,
		PeerID:    cl.PeerID,
		Addrs:     cl.Addrs,
		Token:     cl.Token,
		ExpiresAt: cl.Expires.UnixMilli(),
	})
}

// POST /api/names/{name}/renew
func (s *Server) handleLeaseRenew(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req LeaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	now := s.now()
	s.mu.Lock()
	cl, ok := s.claims[name]
	if !ok || cl.Kind != KindLease || cl.expired(now) {
		s.mu.Unlock()
		http.Error(w, "no such lease", http.StatusNotFound)
		return
	}
	if cl.Token != req.Token {
		s.mu.Unlock()
		http.Error(w, "token mismatch", http.StatusForbidden)
		return
	}
	cl.Expires = now.Add(s.leaseTTL(req.TTLSeconds))
	if req.Addrs != nil {
		cl.Addrs = req.Addrs
	}
	out := Lease{Name: cl.Name, PeerID: cl.PeerID, Addrs: cl.Addrs, Token: cl.Token, ExpiresAt: cl.Expires.UnixMilli()}
	s.mu.Unlock()

	if s.db != nil {
		// Re-claim rather than renew so updated addresses reach the ledger.
		if _, err := s.db.claim(claimRow{
			Name: out.Name, Owner: out.Token, Kind: KindLease,
			PeerID: out.PeerID, Addrs: out.Addrs, ExpiresAt: out.ExpiresAt,
		}, now.UnixMilli()); err != nil {
			http.Error(w, "claims ledger: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// DELETE /api/names/{name}?token=
func (s *Server) handleLeaseRelease(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	token := r.URL.Query().Get("token")

	s.mu.Lock()
	cl, ok := s.claims[name]
	kind := ""
	if ok {
		kind = cl.Kind
	}
	s.mu.Unlock()

	if !ok || kind != KindLease {
		http.Error(w, "no such lease", http.StatusNotFound)
		return
	}
	if !s.release(name, token, "release") {
		http.Error(w, "token mismatch", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/names/{name}
func (s *Server) handleLeaseLookup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	now := s.now()

	s.mu.Lock()
	cl, ok := s.claims[name]
	var out Lease
	if ok && !cl.expired(now) {
		out = Lease{Name: cl.Name, PeerID: cl.PeerID, Addrs: cl.Addrs}
		if cl.Kind == KindLease {
			out.ExpiresAt = cl.Expires.UnixMilli()
		}
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok && s.db != nil {
		row, found, err := s.db.lookup(name, now.UnixMilli())
		if err != nil {
			http.Error(w, "claims ledger: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if found {
			ok = true
			out = Lease{Name: row.Name, PeerID: row.PeerID, Addrs: row.Addrs, ExpiresAt: row.ExpiresAt}
		}
	}

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
