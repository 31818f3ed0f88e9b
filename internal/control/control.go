// Package control is the transport-agnostic control surface. Over HTTP its
// operations become endpoints, over the CLI they become commands; either way
// they are the only entry points external drivers use.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/slate-ai/slate/internal/approval"
	"github.com/slate-ai/slate/internal/bus"
	"github.com/slate-ai/slate/internal/scheduler"
	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// ActorName identifies the control surface as an event actor.
const ActorName = "control"

// Control exposes the platform's external operations.
type Control struct {
	bb        *blackboard.Blackboard
	bus       *bus.Bus
	scheduler *scheduler.Scheduler
	approvals *approval.Manager
}

// New creates a control surface over the assembled core components.
// The scheduler and approval manager may be nil in read-only deployments;
// the operations that need them fail explicitly.
func New(bb *blackboard.Blackboard, b *bus.Bus, sched *scheduler.Scheduler, approvals *approval.Manager) *Control {
	return &Control{bb: bb, bus: b, scheduler: sched, approvals: approvals}
}

// CreateProject registers a new project document and announces it with
// PROJECT_CREATED. A zero budgetTotal defers to the allocation formula; a
// positive one becomes an explicit user override. Returns the project ID,
// generated when the caller passes none.
func (c *Control) CreateProject(ctx context.Context, projectID string, spec blackboard.GlobalSpec, budgetTotal float64) (string, error) {
	if projectID == "" {
		projectID = uuid.New().String()
	}
	if spec.QualityTier == "" {
		spec.QualityTier = blackboard.TierBalanced
	}
	if budgetTotal > 0 {
		if spec.UserOptions == nil {
			spec.UserOptions = &blackboard.UserOptions{}
		}
		spec.UserOptions.BudgetTotal = budgetTotal
	}

	_, err := c.bb.CreateProject(ctx, projectID, spec, blackboard.Budget{Currency: "USD"})
	if err != nil {
		return "", err
	}

	if c.scheduler != nil {
		c.scheduler.Manage(projectID)
	}

	created := event.New(projectID, event.TypeProjectCreated, ActorName, map[string]any{
		"title":            spec.Title,
		"duration_seconds": spec.DurationSeconds,
		"quality_tier":     string(spec.QualityTier),
	})
	if err := c.bus.Publish(ctx, created); err != nil {
		return "", fmt.Errorf("project %s created but announcement failed: %w", projectID, err)
	}

	c.logEvent("project_created", map[string]interface{}{
		"project_id": projectID,
		"title":      spec.Title,
	})
	return projectID, nil
}

// SubmitEvent publishes an externally produced event. Envelope fields the
// driver left empty are filled in; the payload is passed through untouched.
// Returns the event ID.
func (c *Control) SubmitEvent(ctx context.Context, e *event.Event) (string, error) {
	if e == nil {
		return "", fmt.Errorf("event is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Actor == "" {
		e.Actor = ActorName
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if _, err := c.bb.GetProject(ctx, e.ProjectID); err != nil {
		return "", err
	}
	if err := c.bus.Publish(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetProjectState returns the full project document.
func (c *Control) GetProjectState(ctx context.Context, projectID string) (*blackboard.Project, error) {
	return c.bb.GetProject(ctx, projectID)
}

// ReplayEvents returns a project's history from the event log in timestamp
// order, optionally narrowed by event types and a time window.
func (c *Control) ReplayEvents(ctx context.Context, projectID string, types []event.Type, since, until time.Time) ([]*event.Event, error) {
	if _, err := c.bb.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return c.bus.Replay(ctx, projectID, types, since, until)
}

// DecideApproval records a human decision on a pending approval.
func (c *Control) DecideApproval(ctx context.Context, approvalID string, decision blackboard.Decision, notes string) error {
	if c.approvals == nil {
		return fmt.Errorf("approval manager is not running")
	}
	return c.approvals.Decide(ctx, approvalID, decision, notes)
}

// CancelProject cancels every non-terminal task, releases their locks, and
// moves the project to CANCELLED. Terminal projects are rejected.
func (c *Control) CancelProject(ctx context.Context, projectID string) error {
	p, err := c.bb.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return fmt.Errorf("project %s is already %s", projectID, p.Status)
	}

	if c.scheduler != nil {
		if err := c.scheduler.CancelProject(ctx, projectID); err != nil {
			return err
		}
	}

	if _, err := c.bb.UpdateProjectStatus(ctx, projectID, blackboard.ProjectStatusCancelled); err != nil {
		return fmt.Errorf("failed to cancel project %s: %w", projectID, err)
	}

	c.logEvent("project_cancelled", map[string]interface{}{
		"project_id": projectID,
	})
	return nil
}

// logEvent logs a structured control event in JSON format.
func (c *Control) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "control"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Control] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
