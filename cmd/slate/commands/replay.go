package commands

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
	"github.com/slate-ai/slate/pkg/event"
)

var (
	replayTypes string
	replaySince string
	replayUntil string
)

var replayCmd = &cobra.Command{
	Use:   "replay <project-id>",
	Short: "Replay a project's event history",
	Long: `Replay a project's events from the append-only log in timestamp order.

The history can be narrowed to specific event types and a time window.
Timestamps are RFC 3339.

Examples:
  slate replay P1
  slate replay P1 --types IMAGE_GENERATED,FINAL_VIDEO_READY
  slate replay P1 --since 2026-08-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayTypes, "types", "", "Comma-separated event types to include")
	replayCmd.Flags().StringVar(&replaySince, "since", "", "Include events at or after this RFC 3339 timestamp")
	replayCmd.Flags().StringVar(&replayUntil, "until", "", "Include events before this RFC 3339 timestamp")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var types []event.Type
	if replayTypes != "" {
		for _, name := range strings.Split(replayTypes, ",") {
			t := event.Type(strings.TrimSpace(name))
			if err := t.Validate(); err != nil {
				return printer.Error(
					"unknown event type",
					err.Error(),
					[]string{"Run 'slate types' for the full event vocabulary"},
				)
			}
			types = append(types, t)
		}
	}

	since, err := parseTimeFlag(replaySince)
	if err != nil {
		return printer.Error("invalid --since timestamp", err.Error(), []string{"Use RFC 3339, e.g. 2026-08-01T00:00:00Z"})
	}
	until, err := parseTimeFlag(replayUntil)
	if err != nil {
		return printer.Error("invalid --until timestamp", err.Error(), []string{"Use RFC 3339, e.g. 2026-08-01T00:00:00Z"})
	}

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.ctrl.ReplayEvents(ctx, args[0], types, since, until)
	if err != nil {
		return err
	}

	printer.EventTable(events)
	return nil
}

func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
