// Package agent defines the agent contract and the runtime that wraps every
// handler with three-level error recovery: retry with exponential backoff,
// budget fallback via quality downgrade, and escalation to a human gate.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/slate-ai/slate/internal/bus"
	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// Agent is a long-lived participant subscribing to event types. HandleEvent
// must be idempotent on event ID: at-least-once delivery means the same
// event can arrive twice.
type Agent interface {
	Name() string
	SubscribedEvents() []event.Type
	HandleEvent(ctx context.Context, e *event.Event) error
}

// Publisher publishes events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// Escalator files a human-gate approval. Implemented by the approval
// manager.
type Escalator interface {
	Escalate(ctx context.Context, projectID string, cause *event.Event, details map[string]any) (string, error)
}

// Config holds retry parameters for level-one recovery.
type Config struct {
	RetryInitialDelay time.Duration // First backoff delay, default 1s
	RetryMaxAttempts  int           // Total attempts including the first, default 3
}

// DefaultConfig returns the standard recovery parameters.
func DefaultConfig() Config {
	return Config{
		RetryInitialDelay: time.Second,
		RetryMaxAttempts:  3,
	}
}

// Runtime registers agents on the bus and owns their error recovery.
type Runtime struct {
	bb        *blackboard.Blackboard
	pub       Publisher
	escalator Escalator
	cfg       Config
	agents    []Agent
}

// NewRuntime creates an agent runtime.
func NewRuntime(bb *blackboard.Blackboard, pub Publisher, escalator Escalator, cfg Config) *Runtime {
	if cfg.RetryInitialDelay == 0 {
		cfg.RetryInitialDelay = time.Second
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 3
	}
	return &Runtime{bb: bb, pub: pub, escalator: escalator, cfg: cfg}
}

// Register adds an agent. Must be called before Attach.
func (r *Runtime) Register(agents ...Agent) {
	r.agents = append(r.agents, agents...)
}

// Attach subscribes every registered agent on the bus with its handler
// wrapped in the recovery ladder.
func (r *Runtime) Attach(b *bus.Bus) error {
	for _, a := range r.agents {
		if err := b.Subscribe(r.Wrap(a), a.SubscribedEvents()...); err != nil {
			return fmt.Errorf("failed to attach agent %s: %w", a.Name(), err)
		}
		log.Printf("[Runtime] Registered agent %s for %d event types", a.Name(), len(a.SubscribedEvents()))
	}
	return nil
}

// TaskExecutor is implemented by agents that accept scheduled tasks in
// addition to events.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task *blackboard.Task) error
}

// Dispatch routes a task to the registered agent named by assigned_to.
// It satisfies the scheduler's Dispatcher interface; the scheduler's own
// retry and timeout policy governs the outcome.
func (r *Runtime) Dispatch(ctx context.Context, task *blackboard.Task) error {
	for _, a := range r.agents {
		if a.Name() != task.AssignedTo {
			continue
		}
		exec, ok := a.(TaskExecutor)
		if !ok {
			return fmt.Errorf("agent %s does not execute tasks", a.Name())
		}
		return exec.ExecuteTask(ctx, task)
	}
	return fmt.Errorf("no agent registered as %s", task.AssignedTo)
}

// Wrap returns the agent's handler with three-level recovery applied. The
// wrapper never returns an error for a handled-by-escalation event: the
// message is acknowledged and the human gate owns it from there.
func (r *Runtime) Wrap(a Agent) bus.Handler {
	return func(ctx context.Context, e *event.Event) error {
		err, attempts := r.withRetry(ctx, a, e)
		if err == nil {
			return nil
		}

		if Classify(err) == KindNotFound {
			// Nothing to escalate against; surface and drop.
			log.Printf("[Runtime] Agent %s: %v (event %s)", a.Name(), err, e.ID)
			return nil
		}

		if Classify(err) == KindBudget {
			if fbErr := r.fallback(ctx, a, e, err); fbErr == nil {
				return nil
			} else {
				err = fbErr
			}
		}

		r.escalate(ctx, a, e, err, attempts)
		return nil
	}
}

// retryPolicy builds the level-one backoff schedule: the configured initial
// delay doubling on every attempt (d, 2d, 4d, ...), with no jitter so the
// progression is exact.
func (r *Runtime) retryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryInitialDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.Reset()
	return policy
}

// withRetry is recovery level one: transient errors retry with exponential
// backoff (d, 2d, 4d, ...), everything else is permanent. Returns the final
// error and the number of attempts made.
func (r *Runtime) withRetry(ctx context.Context, a Agent, e *event.Event) (error, int) {
	attempts := 0
	policy := r.retryPolicy()

	operation := func() error {
		attempts++
		err := a.HandleEvent(ctx, e)
		if err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return backoff.Permanent(err)
		}
		log.Printf("[Runtime] Agent %s attempt %d failed on event %s: %v", a.Name(), attempts, e.ID, err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(r.cfg.RetryMaxAttempts-1)), ctx))
	return err, attempts
}

// fallback is recovery level two: downgrade the project's quality tier one
// step and announce the new strategy. At the bottom tier there is nothing
// left to degrade and the original error is escalated.
func (r *Runtime) fallback(ctx context.Context, a Agent, e *event.Event, cause error) error {
	var oldTier, newTier blackboard.QualityTier
	changed := false

	_, err := r.bb.UpdateProject(ctx, e.ProjectID, func(p *blackboard.Project) error {
		oldTier = p.GlobalSpec.QualityTier
		newTier, changed = oldTier.Downgrade()
		p.GlobalSpec.QualityTier = newTier
		return nil
	})
	if err != nil {
		return cause
	}
	if !changed {
		return cause
	}

	update := event.New(e.ProjectID, event.TypeStrategyUpdate, a.Name(), map[string]any{
		"old_tier": string(oldTier),
		"new_tier": string(newTier),
		"reason":   "budget_fallback",
	}).CausedBy(e)
	if err := r.pub.Publish(ctx, update); err != nil {
		log.Printf("[Runtime] Failed to publish strategy update: %v", err)
	}

	log.Printf("[Runtime] Agent %s fell back to tier %s for project %s", a.Name(), newTier, e.ProjectID)
	return nil
}

// escalate is recovery level three: file a human-gate approval with the
// error context and publish ERROR_OCCURRED.
func (r *Runtime) escalate(ctx context.Context, a Agent, e *event.Event, cause error, attempts int) {
	details := map[string]any{
		"agent":       a.Name(),
		"error_type":  kindName(Classify(cause)),
		"message":     cause.Error(),
		"event_id":    e.ID,
		"event_type":  string(e.Type),
		"retry_count": attempts,
	}

	if r.escalator != nil {
		if _, err := r.escalator.Escalate(ctx, e.ProjectID, e, details); err != nil {
			log.Printf("[Runtime] Failed to escalate for project %s: %v", e.ProjectID, err)
		}
	}

	occurred := event.New(e.ProjectID, event.TypeErrorOccurred, a.Name(), details).CausedBy(e)
	if err := r.pub.Publish(ctx, occurred); err != nil {
		log.Printf("[Runtime] Failed to publish error event: %v", err)
	}

	r.logEvent("agent_escalated", details)
}

func kindName(k Kind) string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBudget:
		return "budget"
	case KindNotFound:
		return "not_found"
	default:
		return "fatal"
	}
}

// logEvent logs a structured runtime event in JSON format.
func (r *Runtime) logEvent(eventType string, data map[string]any) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "agent-runtime"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Runtime] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
