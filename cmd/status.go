package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
	"go.olrik.dev/tether/internal/state"
	"go.olrik.dev/tether/internal/supervisor"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// workerStatus is what status reports about one worker
type workerStatus struct {
	Name        string                `json:"name"`
	Running     bool                  `json:"running"`
	Identity    *state.WorkerIdentity `json:"identity,omitempty"`
	Health      map[string]any        `json:"health,omitempty"`
	HealthError string                `json:"health_error,omitempty"`
	LastEvents  []db.Event            `json:"-"`
}

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the worker is running and how its bridge is doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			st := collectStatus(cfg)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(formatStatus(st, time.Now()))
			case "json":
				jsonBytes, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(jsonBytes))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

// collectStatus reads the identity record without modifying the state directory
func collectStatus(cfg *core.Configuration) workerStatus {
	st := workerStatus{Name: cfg.Worker.Name}

	store := state.NewStore(cfg.StateDir)
	if id, ok, err := store.ReadIdentity(cfg.Worker.Name); err == nil && ok {
		st.Identity = &id
		st.Running = id.Valid() && supervisor.SystemProcessTable().Alive(id.PID)
	}

	if st.Running {
		health, err := fetchHealth(st.Identity.Address(), 2*time.Second)
		if err != nil {
			st.HealthError = err.Error()
		} else {
			st.Health = health
		}
	}

	// Only read an existing journal; status never creates one
	if _, err := os.Stat(cfg.GetEventsDBPath()); err == nil {
		if journal, err := db.Open(cfg.GetEventsDBPath()); err == nil {
			st.LastEvents, _ = journal.LastEventPerComponent()
			journal.Close()
		}
	}

	return st
}

// fetchHealth queries the worker's /health endpoint
func fetchHealth(addr string, timeout time.Duration) (map[string]any, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %s", resp.Status)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return health, nil
}

func formatStatus(st workerStatus, now time.Time) string {
	var b strings.Builder

	switch {
	case st.Running:
		id := st.Identity
		fmt.Fprintf(&b, "Worker %q: %srunning%s (PID: %d, Address: %s", st.Name, colorGreen, colorReset, id.PID, id.Address())
		if !id.StartedAt.IsZero() {
			fmt.Fprintf(&b, ", Age: %s", now.Sub(id.StartedAt).Round(time.Second))
		}
		b.WriteString(")\n")
	case st.Identity != nil:
		fmt.Fprintf(&b, "Worker %q: %snot running%s %s(stale identity, PID: %d)%s\n", st.Name, colorRed, colorReset, colorDim, st.Identity.PID, colorReset)
	default:
		fmt.Fprintf(&b, "Worker %q: %snot running%s\n", st.Name, colorRed, colorReset)
	}

	if st.HealthError != "" {
		fmt.Fprintf(&b, "  Health: %sunreachable%s (%s)\n", colorYellow, colorReset, st.HealthError)
	}
	if v, ok := st.Health["version"].(string); ok {
		fmt.Fprintf(&b, "  Version: %s\n", core.FormatVersion(v))
	}
	if bridgeStatus, ok := st.Health["bridge"].(map[string]any); ok {
		bridgeState, _ := bridgeStatus["state"].(string)
		attempts, _ := bridgeStatus["attempts"].(float64)
		maxAttempts, _ := bridgeStatus["max_attempts"].(float64)
		fmt.Fprintf(&b, "  Bridge: %s%s%s (attempts %d/%d)\n",
			stateColor(bridgeState), bridgeState, colorReset, int(attempts), int(maxAttempts))
		if lastErr, _ := bridgeStatus["last_error"].(string); lastErr != "" {
			fmt.Fprintf(&b, "    Last error: %s\n", lastErr)
		}
	}

	if len(st.LastEvents) > 0 {
		b.WriteString("  Last events:\n")
		for _, e := range st.LastEvents {
			fmt.Fprintf(&b, "    %-10s %-16s %s(PID: %d, %s)%s\n",
				e.Component, e.EventType, colorDim, e.PID, e.Timestamp.Local().Format(time.DateTime), colorReset)
		}
	}

	return b.String()
}

func stateColor(s string) string {
	switch s {
	case "connected":
		return colorGreen
	case "connecting":
		return colorYellow
	case "failed":
		return colorRed
	default:
		return colorDim
	}
}
