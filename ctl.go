package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopbeat/internal/config"
	"github.com/petervdpas/goopbeat/internal/control"
)

const ctlHelp = `Actions:
  status                 show the peer's session status
  join | leave           join or leave the configured room
  leader                 take over as leader
  calibrate              re-measure the clock offset (leader: ask everyone)
  start | stop           start or stop playback (leader only)
  bpm <n>                set the tempo (leader only)
  meter <n>              set beats per bar (leader only)
  leadin <ms>            set the lead-in before the first bar (leader only)
  playback <json>        apply a raw playback patch
  mute on|off            silence or restore this peer's output
  beats                  follow emitted beats
  logs [-f]              print the peer's log, optionally following it`

func newCtlCommand() *cobra.Command {
	var (
		addr   string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "ctl <action> [value]",
		Short: "Drive a running peer through its control API",
		Long:  "Drive a running peer through its control API.\n\n" + ctlHelp,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) > 1 {
				value = args[1]
			}
			ctx, stop := signalContext()
			defer stop()
			return runCtl(ctx, control.NewClient(addr), cmd.OutOrStdout(), args[0], value, follow)
		},
	}

	def := config.Default().Control.HTTPAddr
	if v := os.Getenv(config.EnvPrefix + "CONTROL_ADDR"); v != "" {
		def = v
	}
	cmd.Flags().StringVar(&addr, "addr", def, "control API address of the peer")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep following logs")
	return cmd
}

// playbackValue turns the shorthand actions into a playback patch.
func playbackValue(action, value string) (json.RawMessage, error) {
	if action == "playback" {
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("playback: %q is not JSON", value)
		}
		return json.RawMessage(value), nil
	}

	field := map[string]string{"bpm": "bpm", "meter": "beatsPerBar", "leadin": "leadInMs"}[action]
	if value == "" {
		return nil, fmt.Errorf("%s needs a value", action)
	}
	var v any
	if action == "meter" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		v = n
	} else {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		v = f
	}
	return json.Marshal(map[string]any{field: v})
}

func parseOnOff(value string) (bool, error) {
	switch value {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("mute: want on or off, got %q", value)
}

func runCtl(ctx context.Context, c *control.Client, out io.Writer, action, value string, follow bool) error {
	switch action {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, st)

	case "join", "leave", "leader", "calibrate", "start", "stop":
		st, err := c.Action(ctx, action)
		if err != nil {
			return err
		}
		return printJSON(out, st)

	case "bpm", "meter", "leadin", "playback":
		patch, err := playbackValue(action, value)
		if err != nil {
			return err
		}
		st, err := c.UpdatePlayback(ctx, patch)
		if err != nil {
			return err
		}
		return printJSON(out, st.Playback)

	case "mute":
		on, err := parseOnOff(value)
		if err != nil {
			return err
		}
		if err := c.SetMute(ctx, on); err != nil {
			return err
		}
		fmt.Fprintf(out, "mute=%v\n", on)
		return nil

	case "beats":
		return c.Stream(ctx, "/api/beats", func(_ string, data []byte) {
			fmt.Fprintln(out, string(data))
		})

	case "logs":
		entries, err := c.Logs(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s %s\n", e.TS.Format(time.TimeOnly), e.Msg)
		}
		if !follow {
			return nil
		}
		return c.Stream(ctx, "/api/logs/stream", func(_ string, data []byte) {
			var e control.LogEntry
			if json.Unmarshal(data, &e) == nil {
				fmt.Fprintf(out, "%s %s\n", e.TS.Format(time.TimeOnly), e.Msg)
			}
		})
	}
	return fmt.Errorf("unknown action %q\n\n%s", action, ctlHelp)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
