package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopbeat/internal/audio"
	"github.com/petervdpas/goopbeat/internal/clock"
	"github.com/petervdpas/goopbeat/internal/clocksync"
	"github.com/petervdpas/goopbeat/internal/config"
	"github.com/petervdpas/goopbeat/internal/control"
	"github.com/petervdpas/goopbeat/internal/loop"
	"github.com/petervdpas/goopbeat/internal/metrics"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/rendezvous"
	"github.com/petervdpas/goopbeat/internal/scheduler"
	"github.com/petervdpas/goopbeat/internal/session"
	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/transport/memory"
	"github.com/petervdpas/goopbeat/internal/transport/p2p"
	"github.com/petervdpas/goopbeat/internal/transport/rtc"
	"github.com/petervdpas/goopbeat/internal/transport/wsrelay"
	"github.com/petervdpas/goopbeat/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// Logs receives the process log alongside stderr. Nil creates one.
	Logs *control.LogBuffer
}

// Run runs one peer until ctx ends.
func Run(ctx context.Context, opt Options) error {
	logs := captureLogs(opt.Logs)
	logBanner(opt.PeerDir, opt.CfgPath)
	return runPeer(ctx, opt, logs)
}

// RunRendezvous runs only the rendezvous server until ctx ends.
func RunRendezvous(ctx context.Context, opt Options) error {
	captureLogs(opt.Logs)
	logBanner(opt.PeerDir, opt.CfgPath)

	rv, err := startRendezvous(ctx, opt.PeerDir, opt.Cfg)
	if err != nil {
		return err
	}
	<-ctx.Done()
	log.Printf("RV: %s shutting down", rv.URL())
	return nil
}

func captureLogs(logs *control.LogBuffer) *control.LogBuffer {
	if logs == nil {
		logs = control.NewLogBuffer(800)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logs))
	return logs
}

func startRendezvous(ctx context.Context, peerDir string, cfg config.Config) (*rendezvous.Server, error) {
	rc := cfg.Rendezvous
	bind := rc.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, rc.Port)

	claimsDB := ""
	if rc.ClaimsDBPath != "" {
		claimsDB = util.ResolvePath(peerDir, rc.ClaimsDBPath)
	}
	rv := rendezvous.New(addr, rendezvous.Options{
		ExternalURL:     rc.ExternalURL,
		ClaimsDBPath:    claimsDB,
		LeaseTTL:        time.Duration(rc.LeaseTTLSec) * time.Second,
		ClaimRatePerMin: rc.ClaimRatePerMin,
	})
	if err := rv.Start(ctx); err != nil {
		return nil, fmt.Errorf("rendezvous: %w", err)
	}

	log.Println("────────────────────────────────────────────────────────")
	log.Printf("Rendezvous server: %s", rv.URL())
	for _, u := range rv.ConnectURLs() {
		log.Printf("  reachable at  : %s", u)
	}
	log.Println("────────────────────────────────────────────────────────")
	return rv, nil
}

// NewDirectory builds the directory for the configured transport kind.
func NewDirectory(peerDir string, cfg config.Config) (transport.Directory, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportMemory:
		return memory.NewNetwork(), nil
	case config.TransportRelay:
		return wsrelay.New(tc.RendezvousURL), nil
	case config.TransportWebRTC:
		return rtc.New(tc.RendezvousURL, tc.ICEServers)
	case config.TransportLibp2p:
		keyFile := ""
		if tc.KeyFile != "" {
			keyFile = util.ResolvePath(peerDir, tc.KeyFile)
		}
		return p2p.New(tc.RendezvousURL, p2p.Options{
			ListenPort: tc.ListenPort,
			KeyFile:    keyFile,
			LeaseTTL:   time.Duration(tc.LeaseTTLSec) * time.Second,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// SessionConfig maps the file config onto the session.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Room:     cfg.Room.Name,
		Defaults: PlaybackDefaults(cfg),
		Sync: clocksync.Config{
			CalibrationInterval: ms(cfg.Sync.CalibrationIntervalMs),
			CalibrationDuration: ms(cfg.Sync.CalibrationDurationMs),
			ContinuousInterval:  ms(cfg.Sync.ContinuousIntervalMs),
			Window:              cfg.Sync.Window,
		},
		Scheduler: scheduler.Config{
			Tick:      ms(cfg.Scheduler.TickMs),
			Lookahead: ms(cfg.Scheduler.LookaheadMs),
			Resync:    ms(cfg.Scheduler.ResyncMs),
		},
	}
}

func PlaybackDefaults(cfg config.Config) proto.PlaybackState {
	return proto.PlaybackState{
		BPM:         cfg.Playback.BPM,
		BeatsPerBar: cfg.Playback.BeatsPerBar,
		LeadInMs:    float64(cfg.Playback.LeadInMs),
	}
}

func runPeer(ctx context.Context, opt Options, logs *control.LogBuffer) error {
	cfg := opt.Cfg

	if cfg.Rendezvous.Host && cfg.Transport.Kind != config.TransportMemory {
		if _, err := startRendezvous(ctx, opt.PeerDir, cfg); err != nil {
			return err
		}
	}

	dir, err := NewDirectory(opt.PeerDir, cfg)
	if err != nil {
		return err
	}

	clk := clock.NewSystem()
	runner := loop.NewRunner()
	// The loop outlives ctx so Leave can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go runner.Run(loopCtx)

	em := audio.New(clk, audio.Options{
		Log:  cfg.Audio.Emitter == config.EmitterLog,
		Mute: cfg.Audio.Mute,
	})
	m := metrics.New()
	sess := session.New(runner, clk, dir, em, SessionConfig(cfg), session.WithMetrics(m))

	log.Printf("SESSION: room %q over %s", cfg.Room.Name, cfg.Transport.Kind)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		joinOnce(gctx, sess)
		return nil
	})

	if cfg.Control.HTTPAddr != "" {
		addr := normalizeLocalAddr(cfg.Control.HTTPAddr)
		srv := control.New(addr, control.Deps{Session: sess, Output: em, Metrics: m, Logs: logs})
		g.Go(func() error { return srv.Serve(gctx) })
	}

	if opt.CfgPath != "" {
		r := &reloader{cur: cfg, sess: sess, out: em}
		g.Go(func() error {
			if err := config.Watch(gctx, opt.CfgPath, r.apply); err != nil {
				log.Printf("CONFIG: watch disabled: %v", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	err = g.Wait()

	log.Println("========================================")
	log.Println("PEER: shutting down, leaving room...")
	log.Println("========================================")
	if lerr := sess.Leave(); lerr != nil && !errors.Is(lerr, session.ErrNotJoined) {
		log.Printf("PEER: leave: %v", lerr)
	}
	em.Cancel()
	return err
}

// joinOnce makes the single join attempt a peer starts with. A failure
// leaves the session disconnected; the control API's join retries on request.
func joinOnce(ctx context.Context, sess *session.Session) {
	st, err := sess.Join(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("PEER: not joined (%v); use `goopbeat ctl join` to retry", err)
		}
		return
	}
	log.Printf("PEER: joined %q as %s (%s)", st.Room, st.Role, st.SelfID)
}
