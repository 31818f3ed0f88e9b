package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
)

var chainCmd = &cobra.Command{
	Use:   "chain <event-id>",
	Short: "Show the causal chain leading to an event",
	Long: `Walk the causation pointers from an event back to its root and print the
chain root-first. Useful for post-mortem: it answers "what led to this".

Example:
  slate chain 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
	Args: cobra.ExactArgs(1),
	RunE: runChain,
}

func init() {
	rootCmd.AddCommand(chainCmd)
}

func runChain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	chain, err := a.bus.CausalChain(ctx, args[0])
	if err != nil {
		return err
	}

	printer.EventTable(chain)
	return nil
}
