// Package control is the local HTTP API of a running peer: status, the
// leader's playback actions, a beat stream, the process log and metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/goopbeat/internal/audio"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/metrics"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/session"
	"github.com/petervdpas/goopbeat/internal/state"
	"github.com/petervdpas/goopbeat/internal/util"
)

// Session is the part of *session.Session the API drives.
type Session interface {
	Join(ctx context.Context) (session.Status, error)
	Leave() error
	Status() (session.Status, error)
	BecomeLeader() error
	Calibrate() error
	Start() error
	Stop() error
	UpdatePlayback(p proto.PlaybackPatch) error
}

// Output is the beat producer. *audio.Emitter implements it.
type Output interface {
	Subscribe() (chan audio.Emitted, func())
	SetMute(bool)
	Muted() bool
}

type Deps struct {
	Session Session
	Output  Output           // optional
	Metrics *metrics.Metrics // optional
	Logs    *LogBuffer       // optional
}

type Server struct {
	addr string
	deps Deps

	mu        sync.Mutex
	srv       *http.Server
	boundAddr string
}

func New(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(noCache)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/join", s.handleJoin)
		r.Post("/leave", s.action("leave", s.deps.Session.Leave))
		r.Post("/leader", s.action("leader", s.deps.Session.BecomeLeader))
		r.Post("/calibrate", s.action("calibrate", s.deps.Session.Calibrate))
		r.Post("/start", s.action("start", s.deps.Session.Start))
		r.Post("/stop", s.action("stop", s.deps.Session.Stop))
		r.Patch("/playback", s.handlePlayback)

		if s.deps.Output != nil {
			r.Get("/beats", s.handleBeats)
			r.Get("/mute", s.handleMuteGet)
			r.Put("/mute", s.handleMuteSet)
		}
		if s.deps.Logs != nil {
			r.Get("/logs", s.deps.Logs.ServeLogsJSON)
			r.Get("/logs/stream", s.deps.Logs.ServeLogsSSE)
		}
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler(s.metricsSnapshot))
	}
	return r
}

// Serve listens on the configured address and blocks until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	log.Printf("CONTROL: listening on http://%s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
		return nil
	}
}

// Addr is the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) metricsSnapshot() metrics.Snapshot {
	st, err := s.deps.Session.Status()
	if err != nil {
		return metrics.Snapshot{}
	}
	return st.MetricsSnapshot()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Session.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Session.Join(r.Context())
	if err != nil {
		log.Printf("CONTROL: join: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// action runs a session call and answers with the resulting status.
func (s *Server) action(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			log.Printf("CONTROL: %s: %v", name, err)
			writeError(w, err)
			return
		}
		s.handleStatus(w, r)
	}
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	var p proto.PlaybackPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid playback patch: " + err.Error()})
		return
	}
	if err := s.deps.Session.UpdatePlayback(p); err != nil {
		log.Printf("CONTROL: playback: %v", err)
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleBeats(w http.ResponseWriter, r *http.Request) {
	ch, cancel := s.deps.Output.Subscribe()
	defer cancel()
	streamSSE[audio.Emitted](w, r, "beat", ch)
}

type muteBody struct {
	Mute bool `json:"mute"`
}

func (s *Server) handleMuteGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, muteBody{Mute: s.deps.Output.Muted()})
}

func (s *Server) handleMuteSet(w http.ResponseWriter, r *http.Request) {
	var b muteBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&b); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid mute body: " + err.Error()})
		return
	}
	s.deps.Output.SetMute(b.Mute)
	log.Printf("CONTROL: mute=%v", b.Mute)
	writeJSON(w, http.StatusOK, b)
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps a session error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotLeader), errors.Is(err, session.ErrAlreadyJoined):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotJoined), errors.Is(err, session.ErrNoLeaderLink),
		errors.Is(err, loop.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrJoin):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		next.ServeHTTP(w, r)
	})
}
