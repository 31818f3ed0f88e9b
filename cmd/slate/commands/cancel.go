package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <project-id>",
	Short: "Cancel a project",
	Long: `Cancel a project and every task it still has in flight.

The daemon's scheduler observes the terminal status on its next tick,
cancels running handlers and releases their locks immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ctrl.CancelProject(ctx, args[0]); err != nil {
		return err
	}

	printer.Success("Project cancelled: %s\n", args[0])
	return nil
}
