package printer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Color definitions
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
	} else {
		green.Print(msg)
	}
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		yellow.Printf("⚠️  %s", msg)
	} else {
		yellow.Print(msg)
	}
}

// Error creates a formatted error message with title, explanation, and suggestions
// Prints the formatted error to stderr with colors and returns a simple error for Cobra
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)

	fmt.Fprintf(os.Stderr, "%s\n", explanation)

	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain message (for output that doesn't need coloring)
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}

// ProjectSummary prints a project document as a human-readable block:
// identity and status first, then the budget line and per-shot table.
func ProjectSummary(p *blackboard.Project) {
	Printf("Project:  %s\n", p.ProjectID)
	Printf("Title:    %s\n", p.GlobalSpec.Title)
	Printf("Status:   %s", statusColor(p.Status).Sprint(string(p.Status)))
	if p.FailureReason != "" {
		Printf("  (%s)", p.FailureReason)
	}
	Println()
	Printf("Tier:     %s\n", p.GlobalSpec.QualityTier)
	Printf("Budget:   %.2f / %.2f %s (%.0f%% used)\n",
		p.Budget.Spent, p.Budget.Total, p.Budget.Currency, p.Budget.UsageRate()*100)
	Printf("Version:  %d\n", p.Version)

	if len(p.Shots) > 0 {
		Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("SHOT", "STATUS", "DURATION", "FINAL URL")
		for _, shot := range p.Shots {
			table.Append(shot.ShotID, string(shot.Status),
				fmt.Sprintf("%.1fs", shot.Duration), shot.FinalVideoURL)
		}
		table.Render()
	}
}

// EventTable prints a replayed event history, oldest first.
func EventTable(events []*event.Event) {
	if len(events) == 0 {
		Info("No events.\n")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("TIME", "TYPE", "ACTOR", "COST", "EVENT ID")
	for _, e := range events {
		cost := ""
		if amount := e.CostAmount(); amount > 0 {
			cost = fmt.Sprintf("%.2f", amount)
		}
		table.Append(e.Timestamp.Format(time.RFC3339), string(e.Type), e.Actor, cost, e.ID)
	}
	table.Render()
}

// ApprovalTable prints pending approval requests, oldest first.
func ApprovalTable(approvals []*blackboard.ApprovalRequest) {
	if len(approvals) == 0 {
		Info("No pending approvals.\n")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("APPROVAL ID", "PROJECT", "STAGE", "REQUESTED", "TIMEOUT")
	for _, a := range approvals {
		table.Append(a.ApprovalID, a.ProjectID, a.Stage,
			a.CreatedAt.Format(time.RFC3339), fmt.Sprintf("%dm", a.TimeoutMinutes))
	}
	table.Render()
}

func statusColor(s blackboard.ProjectStatus) *color.Color {
	switch s {
	case blackboard.ProjectStatusDelivered:
		return green
	case blackboard.ProjectStatusPaused, blackboard.ProjectStatusRevision:
		return yellow
	case blackboard.ProjectStatusFailed, blackboard.ProjectStatusCancelled:
		return red
	default:
		return cyan
	}
}
