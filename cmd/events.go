package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
)

type eventRecord struct {
	ID        int64     `json:"id"`
	Component string    `json:"component"`
	Type      string    `json:"type"`
	PID       int       `json:"pid"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEventsCommand() *cobra.Command {
	var limit int
	var component string

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent supervisor, worker and bridge lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			path := cfg.GetEventsDBPath()
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintln(os.Stderr, "No events recorded yet.")
				return nil
			}

			journal, err := db.Open(path)
			if err != nil {
				return err
			}
			defer journal.Close()

			events, err := journal.RecentEvents(limit, component)
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				printEvents(os.Stdout, events)
			case "json":
				records := make([]eventRecord, 0, len(events))
				for _, e := range events {
					records = append(records, eventRecord{
						ID:        e.ID,
						Component: e.Component,
						Type:      e.EventType,
						PID:       e.PID,
						Details:   e.Details,
						Timestamp: e.Timestamp,
					})
				}
				jsonBytes, err := json.MarshalIndent(records, "", "  ")
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
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	eventsCmd.Flags().StringVarP(&component, "component", "c", "", "only show events of this component (supervisor/worker/bridge)")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return eventsCmd
}

// printEvents writes events oldest first
func printEvents(w io.Writer, events []db.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded yet.")
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		fmt.Fprintf(w, "%s%s%s  %-10s %-16s %sPID %-7d%s %s\n",
			colorDim, e.Timestamp.Local().Format(time.DateTime), colorReset,
			e.Component, e.EventType,
			colorDim, e.PID, colorReset,
			e.Details)
	}
}
