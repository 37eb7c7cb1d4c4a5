package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/util"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRelay  = "relay"
	TransportWebRTC = "webrtc"
	TransportLibp2p = "libp2p"
)

// Audio emitter kinds.
const (
	EmitterLog  = "log"
	EmitterNone = "none"
)

type Config struct {
	Room       Room       `json:"room" yaml:"room"`
	Transport  Transport  `json:"transport" yaml:"transport"`
	Sync       Sync       `json:"sync" yaml:"sync"`
	Scheduler  Scheduler  `json:"scheduler" yaml:"scheduler"`
	Playback   Playback   `json:"playback" yaml:"playback"`
	Audio      Audio      `json:"audio" yaml:"audio"`
	Control    Control    `json:"control" yaml:"control"`
	Rendezvous Rendezvous `json:"rendezvous" yaml:"rendezvous"`
}

type Room struct {
	Name string `json:"name" yaml:"name"`
}

type Transport struct {
	// One of memory, relay, webrtc, libp2p.
	Kind string `json:"kind" yaml:"kind"`

	// Rendezvous server used as directory by every kind except memory.
	// Example: http://127.0.0.1:8787
	RendezvousURL string `json:"rendezvous_url" yaml:"rendezvous_url"`

	// STUN/TURN urls for the webrtc transport.
	ICEServers []string `json:"ice_servers" yaml:"ice_servers"`

	// libp2p listen port; 0 picks a random one.
	ListenPort int `json:"listen_port" yaml:"listen_port"`

	// libp2p identity key, relative to the peer directory.
	KeyFile string `json:"key_file" yaml:"key_file"`

	LeaseTTLSec int `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
}

type Sync struct {
	CalibrationIntervalMs int `json:"calibration_interval_ms" yaml:"calibration_interval_ms"`
	CalibrationDurationMs int `json:"calibration_duration_ms" yaml:"calibration_duration_ms"`
	ContinuousIntervalMs  int `json:"continuous_interval_ms" yaml:"continuous_interval_ms"`
	Window                int `json:"window" yaml:"window"`
}

type Scheduler struct {
	TickMs      int `json:"tick_ms" yaml:"tick_ms"`
	LookaheadMs int `json:"lookahead_ms" yaml:"lookahead_ms"`
	ResyncMs    int `json:"resync_ms" yaml:"resync_ms"`
}

type Playback struct {
	BPM         float64 `json:"bpm" yaml:"bpm"`
	BeatsPerBar int     `json:"beats_per_bar" yaml:"beats_per_bar"`
	LeadInMs    int     `json:"lead_in_ms" yaml:"lead_in_ms"`
}

type Audio struct {
	Emitter string `json:"emitter" yaml:"emitter"`
	Mute    bool   `json:"mute" yaml:"mute"`
}

type Control struct {
	// Empty disables the local control API.
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
}

type Rendezvous struct {
	// If true, `goopbeat peer` also runs a rendezvous server in-process.
	Host bool   `json:"host" yaml:"host"`
	Bind string `json:"bind" yaml:"bind"`
	Port int    `json:"port" yaml:"port"`

	// Optional SQLite ledger shared between instances. Relative to the
	// peer directory. Empty means in-memory claims only.
	ClaimsDBPath string `json:"claims_db_path" yaml:"claims_db_path"`

	// Public URL shown instead of the bind address when set.
	ExternalURL string `json:"external_url" yaml:"external_url"`

	LeaseTTLSec int `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`

	// Claims per minute per remote IP. 0 disables the limit.
	ClaimRatePerMin int `json:"claim_rate_per_min" yaml:"claim_rate_per_min"`
}

func Default() Config {
	return Config{
		Room: Room{
			Name: "lobby",
		},
		Transport: Transport{
			Kind:          TransportRelay,
			RendezvousURL: "http://127.0.0.1:8787",
			ICEServers:    []string{"stun:stun.l.google.com:19302"},
			ListenPort:    0,
			KeyFile:       "data/identity.key",
			LeaseTTLSec:   30,
		},
		Sync: Sync{
			CalibrationIntervalMs: 150,
			CalibrationDurationMs: 2000,
			ContinuousIntervalMs:  5000,
			Window:                20,
		},
		Scheduler: Scheduler{
			TickMs:      20,
			LookaheadMs: 60,
			ResyncMs:    600,
		},
		Playback: Playback{
			BPM:         120,
			BeatsPerBar: 4,
			LeadInMs:    2000,
		},
		Audio: Audio{
			Emitter: EmitterLog,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8790",
		},
		Rendezvous: Rendezvous{
			Host:            false,
			Bind:            "127.0.0.1",
			Port:            8787,
			LeaseTTLSec:     30,
			ClaimRatePerMin: 60,
		},
	}
}

func (c *Config) Validate() error {
	// Room
	if _, err := util.ValidateRoomName(c.Room.Name); err != nil {
		return fmt.Errorf("room.name: %w", err)
	}

	// Transport
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRelay, TransportWebRTC, TransportLibp2p:
		if strings.TrimSpace(c.Transport.RendezvousURL) == "" && !c.Rendezvous.Host {
			return fmt.Errorf("transport.rendezvous_url is required for kind %q", c.Transport.Kind)
		}
		if rv := strings.TrimSpace(c.Transport.RendezvousURL); rv != "" {
			if err := validateRendezvousURL(rv); err != nil {
				return fmt.Errorf("transport.rendezvous_url: %w", err)
			}
		}
	default:
		return errors.New("transport.kind must be one of memory, relay, webrtc, libp2p")
	}
	if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
		return errors.New("transport.listen_port must be 0..65535")
	}
	if c.Transport.Kind == TransportLibp2p {
		if strings.TrimSpace(c.Transport.KeyFile) == "" {
			return errors.New("transport.key_file is required for kind libp2p")
		}
		if c.Transport.LeaseTTLSec <= 0 {
			return errors.New("transport.lease_ttl_seconds must be > 0")
		}
	}
	if c.Transport.Kind == TransportWebRTC {
		for _, s := range c.Transport.ICEServers {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
				return fmt.Errorf("transport.ice_servers: %q must start with stun:, turn: or turns:", s)
			}
		}
	}

	// Sync
	if c.Sync.CalibrationIntervalMs <= 0 {
		return errors.New("sync.calibration_interval_ms must be > 0")
	}
	if c.Sync.CalibrationDurationMs < c.Sync.CalibrationIntervalMs {
		return errors.New("sync.calibration_duration_ms must be >= sync.calibration_interval_ms")
	}
	if c.Sync.ContinuousIntervalMs <= 0 {
		return errors.New("sync.continuous_interval_ms must be > 0")
	}
	if c.Sync.Window < 1 || c.Sync.Window > 1000 {
		return errors.New("sync.window must be 1..1000")
	}

	// Scheduler
	if c.Scheduler.TickMs <= 0 {
		return errors.New("scheduler.tick_ms must be > 0")
	}
	if c.Scheduler.LookaheadMs < c.Scheduler.TickMs {
		return errors.New("scheduler.lookahead_ms must be >= scheduler.tick_ms")
	}
	if c.Scheduler.ResyncMs <= 0 {
		return errors.New("scheduler.resync_ms must be > 0")
	}

	// Playback
	if c.Playback.BPM <= 0 || c.Playback.BPM > proto.MaxBPM {
		return fmt.Errorf("playback.bpm must be in (0, %d]", proto.MaxBPM)
	}
	if c.Playback.BeatsPerBar <= 0 {
		return errors.New("playback.beats_per_bar must be > 0")
	}
	if c.Playback.LeadInMs < 0 {
		return errors.New("playback.lead_in_ms must be >= 0")
	}

	// Audio
	if c.Audio.Emitter != EmitterLog && c.Audio.Emitter != EmitterNone {
		return errors.New("audio.emitter must be log or none")
	}

	// Control
	if a := strings.TrimSpace(c.Control.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("control.http_addr: %w", err)
		}
	}

	// Rendezvous (local server)
	if c.Rendezvous.Host {
		if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
			return errors.New("rendezvous.port must be 1..65535 when rendezvous.host is enabled")
		}
		if b := c.Rendezvous.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("rendezvous.bind must be a valid IP address")
			}
		}
		if c.Rendezvous.LeaseTTLSec <= 0 {
			return errors.New("rendezvous.lease_ttl_seconds must be > 0")
		}
		if c.Rendezvous.ClaimRatePerMin < 0 {
			return errors.New("rendezvous.claim_rate_per_min must be >= 0")
		}
	}
	if ext := strings.TrimSpace(c.Rendezvous.ExternalURL); ext != "" {
		if err := validateRendezvousURL(ext); err != nil {
			return fmt.Errorf("rendezvous.external_url: %w", err)
		}
	}

	return nil
}

func validateRendezvousURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}

	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decode fills cfg from b, choosing the format by file extension.
func decode(path string, b []byte, cfg *Config) error {
	b = stripBOM(b)
	if isYAML(path) {
		return yaml.Unmarshal(b, cfg)
	}
	return json.Unmarshal(b, cfg)
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Missing fields keep
// their defaults.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := decode(path, b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !isYAML(path) {
		return util.WriteJSONFile(path, cfg)
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
