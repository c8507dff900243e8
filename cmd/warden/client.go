package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/daemon"
	"github.com/benaskins/warden/internal/journal"
)

func apiClient(cfg *config.Config, timeout time.Duration) *http.Client {
	sock := socketPath(cfg)
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}
}

func apiGet(cfg *config.Config, path string, v any) error {
	resp, err := apiClient(cfg, 30*time.Second).Get("http://warden" + path)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is warden daemon running?)", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, v)
}

// apiPost issues a lifecycle request. Start and ensure can wait out the
// whole ready timeout, so the client deadline follows the config.
func apiPost(cfg *config.Config, path string, v any) error {
	timeout := cfg.Supervisor.ReadyTimeout.Duration*3 + cfg.Supervisor.ShutdownTimeout.Duration + 30*time.Second
	resp, err := apiClient(cfg, timeout).Post("http://warden"+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is warden daemon running?)", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var (
	jsonOutput bool
	live       bool
	logLines   int
	eventLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long: `Show the gateway lifecycle status.

By default the status file the daemon publishes in the state directory is
read, so this works while the daemon is down. --live asks the running daemon
instead, which adds the current health check result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target := daemon.Target{Host: cfg.Gateway.Host, Port: cfg.Gateway.Port}

		var st daemon.LiveStatus
		source := "file"
		if live {
			source = "daemon"
			if err := apiGet(cfg, "/v1/status", &st); err != nil {
				return err
			}
		} else {
			st, err = daemon.ReadStatus(daemon.NewStatusStore(cfg.Supervisor.StateDir).Path(), target)
			if err != nil {
				return fmt.Errorf("reading status file: %w", err)
			}
		}

		desired, derr := daemon.NewDesiredStore(cfg.Supervisor.StateDir).Load()

		if jsonOutput {
			return printJSON(struct {
				daemon.LiveStatus
				Desired daemon.Desired `json:"desired"`
				Source  string         `json:"source"`
			}{st, desired.Desired, source})
		}

		fmt.Println(renderStatus(st, desired, source))
		if derr != nil {
			fmt.Println(styleWarn.Render("desired state unreadable: " + derr.Error()))
		}
		return nil
	},
}

func renderStatus(st daemon.LiveStatus, desired daemon.DesiredState, source string) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(styleLabel.Render(label) + value + "\n")
	}

	b.WriteString(styleHeader.Render("gateway") + " " + styleMuted.Render("("+source+")") + "\n")
	row("state", stateStyle(st.State).Render(string(st.State)))
	row("desired", string(desired.Desired))
	row("target", fmt.Sprintf("%s:%d", st.Target.Host, st.Target.Port))
	if st.PID != nil {
		pid := strconv.Itoa(*st.PID)
		if st.Adopted {
			pid += styleMuted.Render(" (adopted)")
		}
		row("pid", pid)
	}
	if st.ReadyAt != nil && st.State == daemon.StateRunning {
		row("uptime", time.Since(*st.ReadyAt).Truncate(time.Second).String())
	}
	if st.Health != "" {
		row("health", st.Health)
	}
	row("restarts", strconv.Itoa(st.RestartCount))
	if st.LastExit != nil {
		row("last exit", describeExit(st.LastExit))
	}
	if st.LastError != nil {
		row("last error", styleError.Render(*st.LastError))
	}
	return strings.TrimRight(b.String(), "\n")
}

func stateStyle(s daemon.State) lipgloss.Style {
	switch s {
	case daemon.StateRunning:
		return styleOK
	case daemon.StateStarting, daemon.StateStopping:
		return styleWarn
	default:
		return styleMuted
	}
}

func describeExit(e *daemon.ExitInfo) string {
	var parts []string
	if e.Code != nil {
		parts = append(parts, fmt.Sprintf("code %d", *e.Code))
	}
	if e.Signal != nil {
		parts = append(parts, "signal "+*e.Signal)
	}
	if len(parts) == 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, ", ") + styleMuted.Render(" at "+e.At.Local().Format(time.DateTime))
}

func lifecycleCmd(use, short, path, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var st daemon.LiveStatus
			if err := apiPost(cfg, path, &st); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			msg := done
			if st.PID != nil {
				msg += fmt.Sprintf(" (pid %d)", *st.PID)
			}
			fmt.Println(renderOK(msg))
			return nil
		},
	}
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent gateway output",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var result struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet(cfg, "/v1/logs?n="+strconv.Itoa(logLines), &result); err != nil {
			return err
		}
		for _, line := range result.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var events []journal.Event
		if err := apiGet(cfg, "/v1/events?n="+strconv.Itoa(eventLimit), &events); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println(styleMuted.Render("No events"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tPID\tDETAIL")
		for _, e := range events {
			pid := "-"
			if e.PID > 0 {
				pid = strconv.Itoa(e.PID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Kind, pid, eventDetail(e))
		}
		return w.Flush()
	},
}

func eventDetail(e journal.Event) string {
	var parts []string
	if e.Code != nil {
		parts = append(parts, fmt.Sprintf("code=%d", *e.Code))
	}
	if e.Signal != "" {
		parts = append(parts, "signal="+e.Signal)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	if e.Error != "" {
		parts = append(parts, "error: "+e.Error)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func init() {
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	statusCmd.Flags().BoolVar(&live, "live", false, "ask the running daemon instead of reading the status file")

	startCmd := lifecycleCmd("start", "Start the gateway", "/v1/start", "gateway started")
	stopCmd := lifecycleCmd("stop", "Stop the gateway", "/v1/stop", "gateway stopped")
	ensureCmd := lifecycleCmd("ensure", "Bring the gateway up, recovering from a stale lock", "/v1/ensure", "gateway running")
	for _, c := range []*cobra.Command{startCmd, stopCmd, ensureCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	}

	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "number of lines (-1 for all buffered)")
	eventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 50, "number of events")
	eventsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(statusCmd, startCmd, stopCmd, ensureCmd, logsCmd, eventsCmd)
}
