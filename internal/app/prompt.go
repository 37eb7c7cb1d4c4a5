package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopbeat/internal/config"
)

// PromptInteractive walks through the settings a new peer folder usually
// needs. Empty answers keep the current value.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "goopbeat interactive setup")
	fmt.Fprintf(out, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	p := prompter{in: r, out: out}
	cfg.Room.Name = p.askString("Room", cfg.Room.Name)
	cfg.Transport.Kind = p.askString("Transport (memory|relay|webrtc|libp2p)", cfg.Transport.Kind)
	if cfg.Transport.Kind != config.TransportMemory {
		cfg.Rendezvous.Host = p.askBool("Run local rendezvous service", cfg.Rendezvous.Host)
		if cfg.Rendezvous.Host {
			cfg.Rendezvous.Port = p.askInt("Rendezvous port", cfg.Rendezvous.Port)
		}
		cfg.Transport.RendezvousURL = p.askString("Rendezvous URL", cfg.Transport.RendezvousURL)
	}
	if cfg.Transport.Kind == config.TransportLibp2p {
		cfg.Transport.ListenPort = p.askInt("Listen port (0=random)", cfg.Transport.ListenPort)
	}
	cfg.Control.HTTPAddr = p.askString("Control HTTP addr (empty=off)", cfg.Control.HTTPAddr)
	cfg.Audio.Mute = p.askBool("Start muted", cfg.Audio.Mute)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// readLine returns "" at EOF, so every question falls back to its default.
func (p prompter) readLine() string {
	s, _ := p.in.ReadString('\n')
	return strings.TrimSpace(s)
}

func (p prompter) askString(label, def string) string {
	fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	s := p.readLine()
	if s == "" {
		return def
	}
	return s
}

func (p prompter) askInt(label string, def int) int {
	for {
		fmt.Fprintf(p.out, "%s [%d]: ", label, def)
		s := p.readLine()
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Fprintln(p.out, "Please enter a number.")
	}
}

func (p prompter) askBool(label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(p.out, "%s [y/n] (default=%s): ", label, defStr)
		s := p.readLine()
		switch strings.ToLower(s) {
		case "":
			return def
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		fmt.Fprintln(p.out, "Please enter y or n.")
	}
}
