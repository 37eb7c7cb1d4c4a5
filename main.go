// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopbeat/internal/app"
	"github.com/petervdpas/goopbeat/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// ConfigFile is the config file name inside a peer directory.
const ConfigFile = "goopbeat.json"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "goopbeat",
		Short: "goopbeat - a shared metronome for a room of peers",
		Long: `goopbeat keeps a room of peers ticking on one beat grid. One peer leads
tempo and start time; everyone else measures their clock offset to it and
schedules beats on their own clock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newPeerCommand())
	root.AddCommand(newRendezvousCommand())
	root.AddCommand(newCtlCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goopbeat v%s\n", appVersion)
		},
	})
	return root
}

func newPeerCommand() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a peer from a peer directory",
		Long: `Run one peer. The directory holds goopbeat.json (created with defaults
when missing), an optional .env with GOOPBEAT_* overrides and any data the
transport keeps, such as the libp2p identity key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, cfgPath, cfg, err := loadPeer(args[0])
			if err != nil {
				return err
			}
			if interactive {
				cfg = app.PromptInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), absDir, cfgPath, cfg)
				if err := config.Save(cfgPath, cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
			}
			printPeerBanner(absDir, cfgPath, cfg, false)

			ctx, stop := signalContext()
			defer stop()
			return app.Run(ctx, app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg})
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "ask for the main settings before starting")
	return cmd
}

func newRendezvousCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rendezvous <directory>",
		Short: "Run only the rendezvous server",
		Long: `Run the rendezvous server from a peer directory. It hands out names,
switches websocket channels between peers and keeps libp2p name leases.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, cfgPath, cfg, err := loadPeer(args[0])
			if err != nil {
				return err
			}
			// Force rendezvous mode regardless of what the config file says.
			cfg.Rendezvous.Host = true
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			printPeerBanner(absDir, cfgPath, cfg, true)

			ctx, stop := signalContext()
			defer stop()
			return app.RunRendezvous(ctx, app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg})
		},
	}
}

// loadPeer resolves the peer directory and loads its config: .env first,
// then the file (created with defaults when missing), then GOOPBEAT_*
// overrides.
func loadPeer(dirArg string) (absDir, cfgPath string, cfg config.Config, err error) {
	absDir, err = filepath.Abs(dirArg)
	if err != nil {
		return "", "", cfg, fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", "", cfg, fmt.Errorf("peer directory: %w", err)
	}
	cfgPath = filepath.Join(absDir, ConfigFile)

	if err := config.LoadEnvFile(cfgPath); err != nil {
		return "", "", cfg, err
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return "", "", cfg, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return "", "", cfg, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", "", cfg, fmt.Errorf("config: %w", err)
	}
	return absDir, cfgPath, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, rendezvousOnly bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  goopbeat peer runner                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if !rendezvousOnly {
		fmt.Printf("Room:           %s\n", cfg.Room.Name)
		fmt.Printf("Transport:      %s\n", cfg.Transport.Kind)
		if cfg.Transport.Kind != config.TransportMemory {
			fmt.Printf("Rendezvous:     %s\n", cfg.Transport.RendezvousURL)
		}
	}
	fmt.Println()

	if cfg.Rendezvous.Host {
		fmt.Printf("Rendezvous monitor: http://%s:%d/claims.json\n", cfg.Rendezvous.Bind, cfg.Rendezvous.Port)
		if rendezvousOnly {
			fmt.Println("Mode: rendezvous only")
		}
		fmt.Println()
	}
	if cfg.Control.HTTPAddr != "" && !rendezvousOnly {
		fmt.Printf("Control API:    http://%s/api/status\n", cfg.Control.HTTPAddr)
		fmt.Println()
	}

	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
