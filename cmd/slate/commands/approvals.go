package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approval requests waiting for a decision",
	Long: `List every pending approval across projects, oldest first.

Each pending approval pauses its project until a decision arrives or the
timeout expires. Decide with 'slate decide'.`,
	RunE: runApprovals,
}

func init() {
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovals(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.bb.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}

	printer.ApprovalTable(pending)
	return nil
}
