package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/printer"
	"github.com/slate-ai/slate/pkg/blackboard"
)

var (
	createID       string
	createTitle    string
	createDuration float64
	createTier     string
	createBudget   float64
	createStyle    string
	createMood     string
	createAutoMode bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new video production project",
	Long: `Create a new project from a production specification.

The budget controller allocates the budget from the duration and quality
tier unless an explicit --budget overrides the formula. The project ID is
generated when --id is omitted.

Examples:
  # Thirty seconds at the default balanced tier
  slate create --title "Launch trailer" --duration 30

  # High tier with an explicit budget ceiling
  slate create --title "Brand film" --duration 60 --tier high --budget 500`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createID, "id", "", "Project ID (generated if omitted)")
	createCmd.Flags().StringVarP(&createTitle, "title", "t", "", "Project title (required)")
	createCmd.Flags().Float64VarP(&createDuration, "duration", "d", 0, "Target duration in seconds (required)")
	createCmd.Flags().StringVar(&createTier, "tier", "balanced", "Quality tier: high, balanced, or fast")
	createCmd.Flags().Float64Var(&createBudget, "budget", 0, "Explicit budget total in USD (overrides the allocation formula)")
	createCmd.Flags().StringVar(&createStyle, "style", "", "Visual style description")
	createCmd.Flags().StringVar(&createMood, "mood", "", "Overall mood description")
	createCmd.Flags().BoolVar(&createAutoMode, "auto", false, "Skip every approval checkpoint")
	createCmd.MarkFlagRequired("title")
	createCmd.MarkFlagRequired("duration")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	tier := blackboard.QualityTier(createTier)
	if err := tier.Validate(); err != nil {
		return printer.Error(
			"invalid quality tier",
			err.Error(),
			[]string{"Use one of: high, balanced, fast"},
		)
	}
	if createDuration <= 0 {
		return printer.Error(
			"invalid duration",
			"The target duration must be a positive number of seconds.",
			nil,
		)
	}

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	spec := blackboard.GlobalSpec{
		Title:           createTitle,
		DurationSeconds: createDuration,
		QualityTier:     tier,
		Style:           createStyle,
		Mood:            createMood,
	}
	if createAutoMode {
		spec.UserOptions = &blackboard.UserOptions{AutoMode: true}
	}

	projectID, err := a.ctrl.CreateProject(ctx, createID, spec, createBudget)
	if err != nil {
		return err
	}

	printer.Success("Project created: %s\n", projectID)
	printer.Info("Watch it with: slate state %s\n", projectID)
	return nil
}
