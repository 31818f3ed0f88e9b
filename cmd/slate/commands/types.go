package commands

import (
	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
	"github.com/slate-ai/slate/pkg/event"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the event type vocabulary",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, t := range event.AllTypes() {
			printer.Println(string(t))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(typesCmd)
}
