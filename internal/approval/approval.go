// Package approval implements the human-gate manager: it intercepts
// checkpoint events, parks the project until a user decision arrives, and
// serves as the escalation target when agent error recovery runs out of
// options. The approval record on the blackboard is the source of truth;
// the in-memory paused set only saves the scheduler a read per tick.
package approval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// AgentName identifies the manager as an event actor.
const AgentName = "approval-manager"

// HumanGateStage is the stage recorded on escalation approvals, as opposed
// to checkpoint approvals whose stage is the intercepted event type.
const HumanGateStage = "HUMAN_GATE"

// Publisher publishes events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// DefaultCheckpoints are the event types intercepted when a project does not
// override them.
func DefaultCheckpoints() []event.Type {
	return []event.Type{
		event.TypeSceneWritten,
		event.TypeShotPlanned,
		event.TypePreviewVideoReady,
		event.TypeFinalVideoReady,
	}
}

// Config holds approval policy.
type Config struct {
	Checkpoints     []event.Type        // Intercepted event types, DefaultCheckpoints when empty
	AutoMode        bool                // Disables every checkpoint deployment-wide
	TimeoutMinutes  int                 // Pending-approval timeout, default 60
	TimeoutDecision blackboard.Decision // Applied when the timeout expires, default reject
	SweepInterval   time.Duration       // Timeout sweep period, default 1m
	GateCostImpact  float64             // cost_impact above which a consistency failure escalates
	GateRetryCount  float64             // retry_count at which a consistency failure escalates
}

// DefaultConfig returns the standard approval policy.
func DefaultConfig() Config {
	return Config{
		Checkpoints:     DefaultCheckpoints(),
		TimeoutMinutes:  60,
		TimeoutDecision: blackboard.DecisionReject,
		SweepInterval:   time.Minute,
		GateCostImpact:  20,
		GateRetryCount:  3,
	}
}

// Manager intercepts checkpoints and tracks paused projects. It implements
// both agent.Agent and the scheduler's Pauser.
type Manager struct {
	bb  *blackboard.Blackboard
	pub Publisher
	cfg Config

	mu     sync.Mutex
	paused map[string]bool
}

// New creates an approval manager.
func New(bb *blackboard.Blackboard, pub Publisher, cfg Config) *Manager {
	if len(cfg.Checkpoints) == 0 {
		cfg.Checkpoints = DefaultCheckpoints()
	}
	if cfg.TimeoutMinutes == 0 {
		cfg.TimeoutMinutes = 60
	}
	if cfg.TimeoutDecision == "" {
		cfg.TimeoutDecision = blackboard.DecisionReject
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.GateCostImpact == 0 {
		cfg.GateCostImpact = 20
	}
	if cfg.GateRetryCount == 0 {
		cfg.GateRetryCount = 3
	}
	return &Manager{bb: bb, pub: pub, cfg: cfg, paused: make(map[string]bool)}
}

// Name implements agent.Agent.
func (m *Manager) Name() string { return AgentName }

// SubscribedEvents implements agent.Agent: the configured checkpoint types
// plus consistency failures for the human-gate severity rule.
func (m *Manager) SubscribedEvents() []event.Type {
	types := append([]event.Type{}, m.cfg.Checkpoints...)
	return append(types, event.TypeConsistencyFailed)
}

// Paused implements scheduler.Pauser.
func (m *Manager) Paused(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[projectID]
}

// HandleEvent implements agent.Agent.
func (m *Manager) HandleEvent(ctx context.Context, e *event.Event) error {
	if e.Type == event.TypeConsistencyFailed {
		return m.handleConsistencyFailure(ctx, e)
	}
	return m.intercept(ctx, e)
}

// handleConsistencyFailure escalates a consistency failure that is past its
// retry budget or expensive enough to need a human.
func (m *Manager) handleConsistencyFailure(ctx context.Context, e *event.Event) error {
	if e.PayloadFloat("cost_impact") <= m.cfg.GateCostImpact &&
		e.PayloadFloat("retry_count") < m.cfg.GateRetryCount {
		return nil
	}
	_, err := m.Escalate(ctx, e.ProjectID, e, map[string]any{
		"error_type":  "consistency_failure",
		"cost_impact": e.PayloadFloat("cost_impact"),
		"retry_count": e.PayloadFloat("retry_count"),
		"severity":    e.PayloadString("severity"),
	})
	return err
}

// approvalID derives a stable request ID from the causing event, so a
// redelivered event finds the request it already filed instead of filing a
// second one.
func approvalID(kind, eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("slate:approval:"+kind+":"+eventID)).String()
}

// intercept pauses the project at a checkpoint event and files an approval
// request, unless the project opted out.
func (m *Manager) intercept(ctx context.Context, e *event.Event) error {
	p, err := m.bb.GetProject(ctx, e.ProjectID)
	if err != nil {
		return err
	}

	if !m.checkpointEnabled(p, e.Type) {
		return nil
	}

	id := approvalID("checkpoint", e.ID)
	if existing, err := m.bb.GetApproval(ctx, id); err == nil {
		// Redelivered checkpoint: the request is already on file. Re-pin the
		// pause while it is still waiting; a decided request changes nothing.
		if existing.Status == blackboard.ApprovalStatusPending {
			return m.pause(ctx, e.ProjectID)
		}
		return nil
	} else if !blackboard.IsNotFound(err) {
		return err
	}

	request := &blackboard.ApprovalRequest{
		ApprovalID:     id,
		ProjectID:      e.ProjectID,
		Stage:          string(e.Type),
		Status:         blackboard.ApprovalStatusPending,
		Content:        e.Payload,
		Options:        []string{"approve", "revise", "reject"},
		CreatedAt:      time.Now().UTC(),
		TimeoutMinutes: m.cfg.TimeoutMinutes,
	}
	if err := m.bb.PutApproval(ctx, request); err != nil {
		return err
	}

	if err := m.pause(ctx, e.ProjectID); err != nil {
		return err
	}

	required := event.New(e.ProjectID, event.TypeUserApprovalRequired, AgentName, map[string]any{
		"approval_id": request.ApprovalID,
		"stage":       request.Stage,
		"options":     request.Options,
	}).CausedBy(e)

	log.Printf("[Approval] Project %s paused at checkpoint %s (approval %s)",
		e.ProjectID, e.Type, request.ApprovalID)

	return m.pub.Publish(ctx, required)
}

// checkpointEnabled resolves the effective checkpoint set for a project:
// auto_mode disables everything, user checkpoints override the default set.
func (m *Manager) checkpointEnabled(p *blackboard.Project, t event.Type) bool {
	if m.cfg.AutoMode {
		return false
	}

	opts := p.GlobalSpec.UserOptions
	if opts != nil && opts.AutoMode {
		return false
	}

	if opts != nil && len(opts.ApprovalCheckpoints) > 0 {
		for _, name := range opts.ApprovalCheckpoints {
			if name == string(t) {
				return true
			}
		}
		return false
	}

	for _, checkpoint := range m.cfg.Checkpoints {
		if checkpoint == t {
			return true
		}
	}
	return false
}

// Escalate files a human-gate approval for an unrecoverable error and
// publishes HUMAN_GATE_TRIGGERED. The agent runtime calls this when retry
// and fallback are spent. Returns the approval ID.
func (m *Manager) Escalate(ctx context.Context, projectID string, cause *event.Event, details map[string]any) (string, error) {
	id := uuid.New().String()
	if cause != nil {
		id = approvalID("human-gate", cause.ID)
		if existing, err := m.bb.GetApproval(ctx, id); err == nil {
			if existing.Status == blackboard.ApprovalStatusPending {
				return id, m.pause(ctx, projectID)
			}
			return id, nil
		} else if !blackboard.IsNotFound(err) {
			return "", err
		}
	}

	request := &blackboard.ApprovalRequest{
		ApprovalID:     id,
		ProjectID:      projectID,
		Stage:          HumanGateStage,
		Status:         blackboard.ApprovalStatusPending,
		Content:        details,
		Options:        []string{"approve", "reject"},
		CreatedAt:      time.Now().UTC(),
		TimeoutMinutes: m.cfg.TimeoutMinutes,
	}
	if err := m.bb.PutApproval(ctx, request); err != nil {
		return "", err
	}

	if err := m.pause(ctx, projectID); err != nil {
		return "", err
	}

	payload := map[string]any{"approval_id": request.ApprovalID}
	for k, v := range details {
		payload[k] = v
	}
	triggered := event.New(projectID, event.TypeHumanGateTriggered, AgentName, payload).CausedBy(cause)

	log.Printf("[Approval] Human gate triggered for project %s (approval %s)", projectID, request.ApprovalID)

	return request.ApprovalID, m.pub.Publish(ctx, triggered)
}

// Decide applies a user decision to a pending approval.
func (m *Manager) Decide(ctx context.Context, approvalID string, decision blackboard.Decision, notes string) error {
	if err := decision.Validate(); err != nil {
		return err
	}

	request, err := m.bb.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if request.Status != blackboard.ApprovalStatusPending {
		return fmt.Errorf("approval %s already decided: %s", approvalID, request.Status)
	}

	request.UserDecision = string(decision)
	request.DecisionNotes = notes

	switch decision {
	case blackboard.DecisionApprove:
		request.Status = blackboard.ApprovalStatusApproved
		if err := m.bb.PutApproval(ctx, request); err != nil {
			return err
		}
		if err := m.resume(ctx, request.ProjectID); err != nil {
			return err
		}
		approved := event.New(request.ProjectID, event.TypeUserApproved, AgentName, map[string]any{
			"approval_id": approvalID,
			"stage":       request.Stage,
		})
		return m.pub.Publish(ctx, approved)

	case blackboard.DecisionRevise:
		request.Status = blackboard.ApprovalStatusRevision
		if err := m.bb.PutApproval(ctx, request); err != nil {
			return err
		}
		// The project stays paused until the revised artifact produces a
		// fresh checkpoint event.
		revision := event.New(request.ProjectID, event.TypeUserRevisionRequested, AgentName, map[string]any{
			"approval_id":    approvalID,
			"stage":          request.Stage,
			"revision_notes": notes,
		})
		return m.pub.Publish(ctx, revision)

	case blackboard.DecisionReject:
		request.Status = blackboard.ApprovalStatusRejected
		return m.reject(ctx, request, notes)
	}

	return nil
}

// reject persists the decided record, publishes USER_REJECTED and fails the
// project with the decision notes as the failure reason.
func (m *Manager) reject(ctx context.Context, request *blackboard.ApprovalRequest, reason string) error {
	if err := m.bb.PutApproval(ctx, request); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.paused, request.ProjectID)
	m.mu.Unlock()

	rejected := event.New(request.ProjectID, event.TypeUserRejected, AgentName, map[string]any{
		"approval_id": request.ApprovalID,
		"stage":       request.Stage,
		"notes":       reason,
	})
	if err := m.pub.Publish(ctx, rejected); err != nil {
		return err
	}

	if _, err := m.bb.FailProject(ctx, request.ProjectID, reason); err != nil {
		return fmt.Errorf("failed to fail project %s: %w", request.ProjectID, err)
	}
	return nil
}

// SweepTimeouts expires pending approvals past their timeout: the record is
// marked TIMEOUT and the configured default decision (reject) is applied.
func (m *Manager) SweepTimeouts(ctx context.Context, now time.Time) error {
	pending, err := m.bb.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}

	for _, request := range pending {
		if !request.Expired(now) {
			continue
		}

		request.Status = blackboard.ApprovalStatusTimeout
		request.UserDecision = string(m.cfg.TimeoutDecision)

		log.Printf("[Approval] Approval %s for project %s timed out after %d minutes",
			request.ApprovalID, request.ProjectID, request.TimeoutMinutes)

		switch m.cfg.TimeoutDecision {
		case blackboard.DecisionApprove:
			if err := m.bb.PutApproval(ctx, request); err != nil {
				return err
			}
			if err := m.resume(ctx, request.ProjectID); err != nil {
				return err
			}
		default:
			if err := m.reject(ctx, request, "approval timeout"); err != nil {
				return err
			}
		}
	}

	return nil
}

// Run sweeps timeouts periodically until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.SweepTimeouts(ctx, time.Now().UTC()); err != nil {
				log.Printf("[Approval] Sweep error: %v", err)
			}
		}
	}
}

// RestorePaused rebuilds the paused set from pending approval records after
// a restart.
func (m *Manager) RestorePaused(ctx context.Context) error {
	pending, err := m.bb.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, request := range pending {
		m.paused[request.ProjectID] = true
	}
	return nil
}

// pause marks the project paused locally and on the blackboard. A project
// still CREATED is stepped through ACTIVE first.
func (m *Manager) pause(ctx context.Context, projectID string) error {
	m.mu.Lock()
	m.paused[projectID] = true
	m.mu.Unlock()

	p, err := m.bb.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status == blackboard.ProjectStatusPaused {
		return nil
	}
	if p.Status == blackboard.ProjectStatusCreated {
		if _, err := m.bb.UpdateProjectStatus(ctx, projectID, blackboard.ProjectStatusActive); err != nil {
			return err
		}
	}
	_, err = m.bb.UpdateProjectStatus(ctx, projectID, blackboard.ProjectStatusPaused)
	return err
}

// resume unpauses the project and moves it back to ACTIVE.
func (m *Manager) resume(ctx context.Context, projectID string) error {
	m.mu.Lock()
	delete(m.paused, projectID)
	m.mu.Unlock()

	p, err := m.bb.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status != blackboard.ProjectStatusPaused && p.Status != blackboard.ProjectStatusRevision {
		return nil
	}
	_, err = m.bb.UpdateProjectStatus(ctx, projectID, blackboard.ProjectStatusActive)
	return err
}
