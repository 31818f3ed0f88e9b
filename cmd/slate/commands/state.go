package commands

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
)

var stateJSON bool

var stateCmd = &cobra.Command{
	Use:   "state <project-id>",
	Short: "Show the current state of a project",
	Long: `Show the full project document: status, budget, quality tier and the
per-shot progress table.

Examples:
  slate state P1
  slate state P1 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runState,
}

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print the raw project document as JSON")
	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.ctrl.GetProjectState(ctx, args[0])
	if err != nil {
		return err
	}

	if stateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	printer.ProjectSummary(p)
	return nil
}
