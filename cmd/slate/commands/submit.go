package commands

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
	"github.com/slate-ai/slate/pkg/event"
)

var (
	submitProject string
	submitType    string
	submitActor   string
	submitPayload string
	submitCost    float64
	submitCause   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish an event into a project's stream",
	Long: `Publish an event on behalf of an external driver or agent.

The payload is passed through as-is; the envelope (event ID, timestamp,
actor) is filled in when omitted. A --cost attaches a USD cost annotation
that the budget controller accounts.

Examples:
  slate submit --project P1 --type SCENE_WRITTEN --payload '{"scene_id":"s1"}'
  slate submit --project P1 --type IMAGE_GENERATED --actor image-agent --cost 10`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitProject, "project", "p", "", "Project ID (required)")
	submitCmd.Flags().StringVarP(&submitType, "type", "T", "", "Event type, e.g. SCENE_WRITTEN (required)")
	submitCmd.Flags().StringVar(&submitActor, "actor", "", "Actor name (defaults to the control surface)")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "Event payload as a JSON object")
	submitCmd.Flags().Float64Var(&submitCost, "cost", 0, "Cost in USD carried in the event metadata")
	submitCmd.Flags().StringVar(&submitCause, "caused-by", "", "Causation event ID")
	submitCmd.MarkFlagRequired("project")
	submitCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eventType := event.Type(submitType)
	if err := eventType.Validate(); err != nil {
		return printer.Error(
			"unknown event type",
			err.Error(),
			[]string{"Run 'slate types' for the full event vocabulary"},
		)
	}

	var payload map[string]any
	if submitPayload != "" {
		if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
			return printer.Error(
				"invalid payload",
				"The --payload flag must carry a JSON object: "+err.Error(),
				nil,
			)
		}
	}

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e := event.New(submitProject, eventType, submitActor, payload)
	if submitCost > 0 {
		e = e.WithCost(submitCost)
	}
	if submitCause != "" {
		e.CausationID = submitCause
	}

	eventID, err := a.ctrl.SubmitEvent(ctx, e)
	if err != nil {
		return err
	}

	printer.Success("Event published: %s\n", eventID)
	return nil
}
