package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "GOOPBEAT_"

// LoadEnvFile loads the .env file next to the config file into the process
// environment. Variables already set are left alone. A missing file is not
// an error.
func LoadEnvFile(cfgPath string) error {
	p := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := godotenv.Load(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", p, err)
	}
	return nil
}

// ApplyEnv overrides fields from GOOPBEAT_* variables. Unset or empty
// variables leave the field unchanged; malformed numbers are reported.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	boolean := func(key string, dst *bool) {
		v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}

	str("ROOM", &c.Room.Name)
	str("TRANSPORT", &c.Transport.Kind)
	str("RENDEZVOUS_URL", &c.Transport.RendezvousURL)
	integer("LISTEN_PORT", &c.Transport.ListenPort)
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "ICE_SERVERS")); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		c.Transport.ICEServers = servers
	}

	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "BPM")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBPM: %w", EnvPrefix, err))
		} else {
			c.Playback.BPM = f
		}
	}
	integer("BEATS_PER_BAR", &c.Playback.BeatsPerBar)
	integer("LEAD_IN_MS", &c.Playback.LeadInMs)

	str("AUDIO_EMITTER", &c.Audio.Emitter)
	boolean("MUTE", &c.Audio.Mute)

	str("CONTROL_ADDR", &c.Control.HTTPAddr)

	boolean("RENDEZVOUS_HOST", &c.Rendezvous.Host)
	integer("RENDEZVOUS_PORT", &c.Rendezvous.Port)
	str("RENDEZVOUS_BIND", &c.Rendezvous.Bind)
	str("CLAIMS_DB", &c.Rendezvous.ClaimsDBPath)

	return errors.Join(errs...)
}
