package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
	"github.com/slate-ai/slate/pkg/blackboard"
)

var decideNotes string

var decideCmd = &cobra.Command{
	Use:   "decide <approval-id> <approve|revise|reject>",
	Short: "Record a decision on a pending approval",
	Long: `Record a human decision on a pending approval request.

approve resumes the project, revise keeps it paused and asks the producing
agent to rework the artifact, reject fails the project with the notes as
the failure reason.

Examples:
  slate decide 7c9e... approve
  slate decide 7c9e... revise --notes "darker mood in scene 2"
  slate decide 7c9e... reject --notes "quality irreparable"`,
	Args: cobra.ExactArgs(2),
	RunE: runDecide,
}

func init() {
	decideCmd.Flags().StringVarP(&decideNotes, "notes", "m", "", "Decision notes passed to the agents")
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	decision := blackboard.Decision(args[1])
	if err := decision.Validate(); err != nil {
		return printer.Error(
			"invalid decision",
			err.Error(),
			[]string{"Use one of: approve, revise, reject"},
		)
	}

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ctrl.DecideApproval(ctx, args[0], decision, decideNotes); err != nil {
		return err
	}

	printer.Success("Decision recorded: %s %s\n", args[0], decision)
	return nil
}
