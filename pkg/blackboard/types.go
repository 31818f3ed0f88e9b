package blackboard

import (
	"encoding/json"
	"fmt"
	"time"
)

// Project is the authoritative mutable document for one video production.
// It is owned by the blackboard; every mutation goes through the optimistic
// write path and bumps Version by one.
type Project struct {
	ProjectID     string                     `json:"project_id"`               // Caller-supplied identifier
	GlobalSpec    GlobalSpec                 `json:"global_spec"`              // Structured production specification
	Status        ProjectStatus              `json:"status"`                   // Lifecycle state
	Version       int64                      `json:"version"`                  // Optimistic-concurrency counter
	Budget        Budget                     `json:"budget"`                   // Allocation and spend
	Shots         map[string]*Shot           `json:"shots"`                    // shot_id -> Shot
	DNABank       map[string]json.RawMessage `json:"dna_bank"`                 // character_id -> visual fingerprint (opaque)
	ArtifactIndex map[string]ArtifactMeta    `json:"artifact_index"`           // artifact_url -> metadata
	FailureReason string                     `json:"failure_reason,omitempty"` // Set when status is FAILED
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// GlobalSpec is the structured specification a project is created with.
type GlobalSpec struct {
	Title           string       `json:"title"`
	DurationSeconds float64      `json:"duration_seconds"`
	AspectRatio     string       `json:"aspect_ratio,omitempty"`
	QualityTier     QualityTier  `json:"quality_tier"`
	Resolution      string       `json:"resolution,omitempty"`
	FPS             int          `json:"fps,omitempty"`
	Style           string       `json:"style,omitempty"`
	Characters      []string     `json:"characters,omitempty"`
	Mood            string       `json:"mood,omitempty"`
	UserOptions     *UserOptions `json:"user_options,omitempty"`
}

// UserOptions carries per-project overrides of platform policy.
type UserOptions struct {
	AutoMode            bool     `json:"auto_mode,omitempty"`             // Skip all approval checkpoints
	ApprovalCheckpoints []string `json:"approval_checkpoints,omitempty"`  // Override the default checkpoint set
	BudgetTotal         float64  `json:"budget_total,omitempty"`          // Explicit budget, bypasses the allocation formula
	WarningThreshold    float64  `json:"warning_threshold,omitempty"`     // Override budget.warning_threshold
}

// ProjectStatus is the lifecycle state of a project.
// DELIVERED, FAILED and CANCELLED are terminal - no further transitions.
type ProjectStatus string

const (
	ProjectStatusCreated   ProjectStatus = "CREATED"
	ProjectStatusActive    ProjectStatus = "ACTIVE"
	ProjectStatusPaused    ProjectStatus = "PAUSED"
	ProjectStatusRevision  ProjectStatus = "REVISION"
	ProjectStatusDelivered ProjectStatus = "DELIVERED"
	ProjectStatusFailed    ProjectStatus = "FAILED"
	ProjectStatusCancelled ProjectStatus = "CANCELLED"
)

// projectTransitions is the set of legal project status transitions.
var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusCreated:  {ProjectStatusActive, ProjectStatusFailed, ProjectStatusCancelled},
	ProjectStatusActive:   {ProjectStatusPaused, ProjectStatusRevision, ProjectStatusDelivered, ProjectStatusFailed, ProjectStatusCancelled},
	ProjectStatusPaused:   {ProjectStatusActive, ProjectStatusRevision, ProjectStatusFailed, ProjectStatusCancelled},
	ProjectStatusRevision: {ProjectStatusActive, ProjectStatusPaused, ProjectStatusFailed, ProjectStatusCancelled},
	// Terminal states have no outgoing transitions.
	ProjectStatusDelivered: {},
	ProjectStatusFailed:    {},
	ProjectStatusCancelled: {},
}

// Validate checks the ProjectStatus is a valid enum value.
func (s ProjectStatus) Validate() error {
	if _, ok := projectTransitions[s]; !ok {
		return fmt.Errorf("unknown project status: %q", s)
	}
	return nil
}

// Terminal reports whether the status admits no further transitions.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusDelivered || s == ProjectStatusFailed || s == ProjectStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	for _, allowed := range projectTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QualityTier influences the budget multiplier and generator parameters.
type QualityTier string

const (
	TierHigh     QualityTier = "high"
	TierBalanced QualityTier = "balanced"
	TierFast     QualityTier = "fast"
)

// Validate checks the QualityTier is a valid enum value.
func (q QualityTier) Validate() error {
	switch q {
	case TierHigh, TierBalanced, TierFast:
		return nil
	default:
		return fmt.Errorf("unknown quality tier: %q", q)
	}
}

// Downgrade returns the next tier down: high -> balanced -> fast.
// fast downgrades to itself; the second return reports whether anything
// changed.
func (q QualityTier) Downgrade() (QualityTier, bool) {
	switch q {
	case TierHigh:
		return TierBalanced, true
	case TierBalanced:
		return TierFast, true
	default:
		return q, false
	}
}

// Budget tracks allocation and spend for one project. Spent is monotonically
// non-decreasing within a project's lifetime. The ledger records event IDs
// already applied to spent, so an at-least-once redelivery cannot
// double-count; the one-shot flags persist with the document so a restarted
// controller does not re-announce a warning.
type Budget struct {
	Total    float64         `json:"total"`
	Spent    float64         `json:"spent"`
	Currency string          `json:"currency"`
	Ledger   map[string]bool `json:"ledger,omitempty"`   // event_id -> already accounted
	Warned   bool            `json:"warned,omitempty"`   // COST_OVERRUN_WARNING already published
	Exceeded bool            `json:"exceeded,omitempty"` // BUDGET_EXCEEDED already published
}

// Accounted reports whether the event has already been applied.
func (b Budget) Accounted(eventID string) bool {
	return b.Ledger[eventID]
}

// MarkAccounted records the event in the ledger.
func (b *Budget) MarkAccounted(eventID string) {
	if b.Ledger == nil {
		b.Ledger = make(map[string]bool)
	}
	b.Ledger[eventID] = true
}

// Remaining returns max(0, total - spent).
func (b Budget) Remaining() float64 {
	if r := b.Total - b.Spent; r > 0 {
		return r
	}
	return 0
}

// UsageRate returns spent/total, or 0 when total is zero.
func (b Budget) UsageRate() float64 {
	if b.Total <= 0 {
		return 0
	}
	return b.Spent / b.Total
}

// Shot is the smallest renderable unit, typically 3-10 seconds of video.
type Shot struct {
	ShotID          string         `json:"shot_id"`
	Index           int            `json:"index"`
	Status          ShotStatus     `json:"status"`
	Duration        float64        `json:"duration"` // Seconds, positive
	Script          *ShotScript    `json:"script,omitempty"`
	PromptConfig    map[string]any `json:"prompt_config,omitempty"`
	ShotPlan        map[string]any `json:"shot_plan,omitempty"`
	PreviewVideoURL string         `json:"preview_video_url,omitempty"`
	FinalVideoURL   string         `json:"final_video_url,omitempty"`
	QualityMetrics  map[string]any `json:"quality_metrics,omitempty"`
}

// ShotScript is the narrative content of a shot.
type ShotScript struct {
	Description string   `json:"description"`
	MoodTags    []string `json:"mood_tags,omitempty"`
	Dialogue    string   `json:"dialogue,omitempty"`
	Characters  []string `json:"characters,omitempty"`
}

// ShotStatus is the lifecycle state of a shot.
type ShotStatus string

const (
	ShotStatusInit              ShotStatus = "INIT"
	ShotStatusPlanned           ShotStatus = "PLANNED"
	ShotStatusKeyframeGenerated ShotStatus = "KEYFRAME_GENERATED"
	ShotStatusPreviewReady      ShotStatus = "PREVIEW_READY"
	ShotStatusFinalRendered     ShotStatus = "FINAL_RENDERED"
	ShotStatusFailed            ShotStatus = "FAILED"
)

// Validate checks the ShotStatus is a valid enum value.
func (s ShotStatus) Validate() error {
	switch s {
	case ShotStatusInit, ShotStatusPlanned, ShotStatusKeyframeGenerated,
		ShotStatusPreviewReady, ShotStatusFinalRendered, ShotStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown shot status: %q", s)
	}
}

// ArtifactMeta describes a generated artifact addressed by URL. The binary
// itself lives in external object storage.
type ArtifactMeta struct {
	Cost      float64   `json:"cost"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the Project document invariants.
func (p *Project) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}

	if err := p.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if err := p.GlobalSpec.QualityTier.Validate(); err != nil {
		return fmt.Errorf("invalid quality tier: %w", err)
	}

	if p.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", p.Version)
	}

	if p.Budget.Total < 0 || p.Budget.Spent < 0 {
		return fmt.Errorf("budget amounts cannot be negative")
	}

	for shotID, shot := range p.Shots {
		if shot == nil {
			return fmt.Errorf("shot %q is nil", shotID)
		}
		if err := shot.Status.Validate(); err != nil {
			return fmt.Errorf("shot %q: %w", shotID, err)
		}
		if shot.Duration <= 0 {
			return fmt.Errorf("shot %q: duration must be positive, got %v", shotID, shot.Duration)
		}
	}

	return nil
}

// CompletedShots counts shots in FINAL_RENDERED state. The budget controller
// uses this as the progress numerator for cost prediction.
func (p *Project) CompletedShots() int {
	n := 0
	for _, shot := range p.Shots {
		if shot.Status == ShotStatusFinalRendered {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the project document via JSON round trip.
// Optimistic-update callbacks mutate the copy, never the cached snapshot.
func (p *Project) Clone() (*Project, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to clone project: %w", err)
	}
	var out Project
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone project: %w", err)
	}
	return &out, nil
}
