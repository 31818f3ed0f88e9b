// Package budget implements the budget controller: an agent that allocates
// a project's budget on creation, accounts every cost-bearing event against
// it, publishes threshold warnings, reacts with quality downgrades, and
// produces the delivery summary.
package budget

import (
	"context"
	"fmt"
	"log"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// AgentName identifies the controller as an event actor.
const AgentName = "budget-controller"

// Publisher publishes events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// Config holds the allocation formula and threshold parameters.
type Config struct {
	BaseRate         float64                            // USD per second of video
	Multipliers      map[blackboard.QualityTier]float64 // per-tier allocation multiplier
	WarningThreshold float64                            // usage rate that triggers COST_OVERRUN_WARNING
	PredictionFactor float64                            // predicted/total ratio that triggers the prediction warning
}

// DefaultConfig returns the standard allocation and threshold parameters.
func DefaultConfig() Config {
	return Config{
		BaseRate: 3.0,
		Multipliers: map[blackboard.QualityTier]float64{
			blackboard.TierHigh:     1.5,
			blackboard.TierBalanced: 1.0,
			blackboard.TierFast:     0.6,
		},
		WarningThreshold: 0.80,
		PredictionFactor: 1.10,
	}
}

// Controller is the budget agent. All of its state lives on the blackboard:
// the spent figure, the event ledger that keeps redelivery from
// double-counting, and the one-shot warning flags.
type Controller struct {
	bb  *blackboard.Blackboard
	pub Publisher
	cfg Config
}

// New creates a budget controller.
func New(bb *blackboard.Blackboard, pub Publisher, cfg Config) *Controller {
	if cfg.BaseRate == 0 {
		cfg = DefaultConfig()
	}
	return &Controller{bb: bb, pub: pub, cfg: cfg}
}

// Name implements agent.Agent.
func (c *Controller) Name() string { return AgentName }

// SubscribedEvents implements agent.Agent. The controller watches project
// lifecycle, every cost-bearing generation event, and its own warnings (the
// downgrade reaction).
func (c *Controller) SubscribedEvents() []event.Type {
	return []event.Type{
		event.TypeProjectCreated,
		event.TypeImageGenerated,
		event.TypePreviewVideoReady,
		event.TypeFinalVideoReady,
		event.TypeMusicComposed,
		event.TypeVoiceRendered,
		event.TypeConsistencyFailed,
		event.TypeCostOverrunWarning,
		event.TypeProjectFinalized,
	}
}

// HandleEvent implements agent.Agent.
func (c *Controller) HandleEvent(ctx context.Context, e *event.Event) error {
	switch e.Type {
	case event.TypeProjectCreated:
		return c.allocate(ctx, e)
	case event.TypeCostOverrunWarning:
		return c.downgrade(ctx, e)
	case event.TypeProjectFinalized:
		return c.deliver(ctx, e)
	default:
		return c.account(ctx, e)
	}
}

// Allocate computes and records the project budget:
// total = duration x base_rate x tier multiplier. A user-supplied
// budget_total overrides the formula.
func (c *Controller) allocate(ctx context.Context, e *event.Event) error {
	var (
		total     float64
		duplicate bool
	)
	p, err := c.bb.UpdateProject(ctx, e.ProjectID, func(p *blackboard.Project) error {
		duplicate = p.Budget.Accounted(e.ID)
		if duplicate {
			return nil
		}
		p.Budget.MarkAccounted(e.ID)
		total = float64(p.GlobalSpec.DurationSeconds) * c.cfg.BaseRate * c.multiplier(p.GlobalSpec.QualityTier)
		if p.GlobalSpec.UserOptions != nil && p.GlobalSpec.UserOptions.BudgetTotal > 0 {
			total = p.GlobalSpec.UserOptions.BudgetTotal
		}
		p.Budget.Total = total
		if p.Budget.Currency == "" {
			p.Budget.Currency = "USD"
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to allocate budget for project %s: %w", e.ProjectID, err)
	}
	if duplicate {
		return nil
	}

	allocated := event.New(e.ProjectID, event.TypeBudgetAllocated, AgentName, map[string]any{
		"total":        total,
		"currency":     p.Budget.Currency,
		"quality_tier": string(p.GlobalSpec.QualityTier),
	}).CausedBy(e)

	return c.pub.Publish(ctx, allocated)
}

func (c *Controller) multiplier(tier blackboard.QualityTier) float64 {
	if m, ok := c.cfg.Multipliers[tier]; ok {
		return m
	}
	return c.cfg.Multipliers[blackboard.TierBalanced]
}

// account adds a cost event to budget.spent and evaluates the thresholds.
// Accounting, the ledger entry and the warning flags commit in a single
// optimistic write, so a redelivered event is a clean no-op.
func (c *Controller) account(ctx context.Context, e *event.Event) error {
	cost := e.CostAmount()
	if cost == 0 && e.Type == event.TypeConsistencyFailed {
		cost = e.PayloadFloat("cost_impact")
	}
	if cost == 0 {
		return nil
	}

	var (
		duplicate   bool
		firstWarn   bool
		firstExceed bool
		warnPayload map[string]any
	)
	p, err := c.bb.UpdateProject(ctx, e.ProjectID, func(p *blackboard.Project) error {
		// The patch may re-run on a version conflict; start from scratch.
		duplicate, firstWarn, firstExceed, warnPayload = false, false, false, nil

		if p.Budget.Accounted(e.ID) {
			duplicate = true
			return nil
		}
		p.Budget.MarkAccounted(e.ID)
		p.Budget.Spent += cost

		usage := p.Budget.UsageRate()
		threshold := c.cfg.WarningThreshold
		if opts := p.GlobalSpec.UserOptions; opts != nil && opts.WarningThreshold > 0 {
			threshold = opts.WarningThreshold
		}

		if usage >= threshold {
			warnPayload = map[string]any{
				"spent":      p.Budget.Spent,
				"total":      p.Budget.Total,
				"usage_rate": usage,
			}
		} else if predicted, ok := c.predict(p); ok && predicted > p.Budget.Total*c.cfg.PredictionFactor {
			warnPayload = map[string]any{
				"spent":                p.Budget.Spent,
				"total":                p.Budget.Total,
				"predicted_total_cost": predicted,
			}
		}
		if warnPayload != nil && !p.Budget.Warned {
			p.Budget.Warned = true
			firstWarn = true
		}
		if p.Budget.Spent > p.Budget.Total && !p.Budget.Exceeded {
			p.Budget.Exceeded = true
			firstExceed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if duplicate {
		log.Printf("[Budget] Event %s already accounted for project %s, skipping", e.ID, e.ProjectID)
		return nil
	}

	log.Printf("[Budget] Project %s spent %.2f/%.2f (%.0f%%)",
		e.ProjectID, p.Budget.Spent, p.Budget.Total, p.Budget.UsageRate()*100)

	if firstWarn {
		warning := event.New(e.ProjectID, event.TypeCostOverrunWarning, AgentName, warnPayload).CausedBy(e)
		if err := c.pub.Publish(ctx, warning); err != nil {
			log.Printf("[Budget] Failed to publish warning for project %s: %v", e.ProjectID, err)
		}
	}
	if firstExceed {
		exceeded := event.New(e.ProjectID, event.TypeBudgetExceeded, AgentName, map[string]any{
			"spent":   p.Budget.Spent,
			"total":   p.Budget.Total,
			"overrun": p.Budget.Spent - p.Budget.Total,
		}).CausedBy(e)
		if err := c.pub.Publish(ctx, exceeded); err != nil {
			log.Printf("[Budget] Failed to publish overrun for project %s: %v", e.ProjectID, err)
		}
	}
	return nil
}

// predict extrapolates total cost from the completed-shot fraction. With no
// completed shots the prediction is undefined and never fires on its own.
func (c *Controller) predict(p *blackboard.Project) (float64, bool) {
	total := len(p.Shots)
	if total == 0 {
		return 0, false
	}
	completed := p.CompletedShots()
	if completed == 0 {
		return 0, false
	}
	progress := float64(completed) / float64(total)
	return p.Budget.Spent / progress, true
}

// downgrade reacts to a cost warning by lowering the quality tier one step
// and announcing the new strategy. At the bottom tier nothing changes.
// Shots already running keep their tier; only later plans observe the
// downgrade.
func (c *Controller) downgrade(ctx context.Context, e *event.Event) error {
	var (
		oldTier, newTier blackboard.QualityTier
		changed          bool
		duplicate        bool
	)
	_, err := c.bb.UpdateProject(ctx, e.ProjectID, func(p *blackboard.Project) error {
		changed = false
		duplicate = p.Budget.Accounted(e.ID)
		if duplicate {
			return nil
		}
		p.Budget.MarkAccounted(e.ID)
		oldTier = p.GlobalSpec.QualityTier
		newTier, changed = oldTier.Downgrade()
		p.GlobalSpec.QualityTier = newTier
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to downgrade project %s: %w", e.ProjectID, err)
	}

	if duplicate || !changed {
		return nil
	}

	update := event.New(e.ProjectID, event.TypeStrategyUpdate, AgentName, map[string]any{
		"old_tier": string(oldTier),
		"new_tier": string(newTier),
		"reason":   "cost_overrun",
	}).CausedBy(e)

	return c.pub.Publish(ctx, update)
}

// finalArtifact is one delivered output listed in a PROJECT_FINALIZED
// payload.
type finalArtifact struct {
	URL   string
	Cost  float64
	Model string
}

// finalArtifacts parses the finalize payload's artifact list. Entries
// without a URL are dropped; costs arrive as JSON numbers.
func finalArtifacts(e *event.Event) []finalArtifact {
	var items []any
	switch v := e.Payload["artifacts"].(type) {
	case []any:
		items = v
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return nil
	}

	var out []finalArtifact
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var a finalArtifact
		a.URL, _ = entry["url"].(string)
		a.Model, _ = entry["model"].(string)
		switch cost := entry["cost"].(type) {
		case float64:
			a.Cost = cost
		case int:
			a.Cost = float64(cost)
		}
		if a.URL == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// deliver closes out a finalized project: registers the delivered artifacts,
// publishes the delivery summary and moves the project to DELIVERED. The
// summary's total_cost prices the artifacts the finalize payload lists; a
// payload without artifacts falls back to the spent figure. Compliance and
// overrun always compare spent against the allocation.
func (c *Controller) deliver(ctx context.Context, e *event.Event) error {
	p, err := c.bb.GetProject(ctx, e.ProjectID)
	if err != nil {
		return err
	}
	if p.Status == blackboard.ProjectStatusDelivered {
		// Redelivered finalize event; the project is already closed out.
		return nil
	}

	totalCost := p.Budget.Spent
	if artifacts := finalArtifacts(e); len(artifacts) > 0 {
		totalCost = 0
		for _, a := range artifacts {
			totalCost += a.Cost
			meta := blackboard.ArtifactMeta{Cost: a.Cost, Model: a.Model}
			if err := c.bb.RegisterArtifact(ctx, e.ProjectID, a.URL, meta); err != nil {
				return fmt.Errorf("failed to register artifact %s: %w", a.URL, err)
			}
		}
	}

	overrun := p.Budget.Spent - p.Budget.Total
	if overrun < 0 {
		overrun = 0
	}

	summary := event.New(e.ProjectID, event.TypeProjectDelivered, AgentName, map[string]any{
		"total_cost":       totalCost,
		"budget_compliant": p.Budget.Spent <= p.Budget.Total,
		"overrun_amount":   overrun,
	}).CausedBy(e)
	if err := c.pub.Publish(ctx, summary); err != nil {
		return err
	}

	// A project finalized before any task ran is still CREATED; step it
	// through ACTIVE so the transition table is honored.
	if p.Status == blackboard.ProjectStatusCreated {
		if _, err := c.bb.UpdateProjectStatus(ctx, e.ProjectID, blackboard.ProjectStatusActive); err != nil {
			return err
		}
	}
	if _, err := c.bb.UpdateProjectStatus(ctx, e.ProjectID, blackboard.ProjectStatusDelivered); err != nil {
		return fmt.Errorf("failed to mark project %s delivered: %w", e.ProjectID, err)
	}
	return nil
}
