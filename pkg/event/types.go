package event

import "fmt"

// Type is a wire-level event type. One event-log topic exists per type.
type Type string

// Project lifecycle events.
const (
	TypeProjectCreated   Type = "PROJECT_CREATED"
	TypeBudgetAllocated  Type = "BUDGET_ALLOCATED"
	TypeProjectFinalized Type = "PROJECT_FINALIZED"
	TypeProjectDelivered Type = "PROJECT_DELIVERED"
	TypeErrorOccurred    Type = "ERROR_OCCURRED"
)

// Script and planning events.
const (
	TypeSceneWritten    Type = "SCENE_WRITTEN"
	TypeShotPlanned     Type = "SHOT_PLANNED"
	TypePromptGenerated Type = "PROMPT_GENERATED"
	TypeRewriteScene    Type = "REWRITE_SCENE"
)

// Generation events. These are the cost-bearing events the budget controller
// observes.
const (
	TypeKeyframeRequested     Type = "KEYFRAME_REQUESTED"
	TypeImageGenerated        Type = "IMAGE_GENERATED"
	TypePreviewVideoRequested Type = "PREVIEW_VIDEO_REQUESTED"
	TypePreviewVideoReady     Type = "PREVIEW_VIDEO_READY"
	TypeFinalVideoRequested   Type = "FINAL_VIDEO_REQUESTED"
	TypeFinalVideoReady       Type = "FINAL_VIDEO_READY"
	TypeMusicComposed         Type = "MUSIC_COMPOSED"
	TypeVoiceRendered         Type = "VOICE_RENDERED"
)

// Consistency and QA events.
const (
	TypeQAReport          Type = "QA_REPORT"
	TypeConsistencyFailed Type = "CONSISTENCY_FAILED"
	TypeDNABankUpdated    Type = "DNA_BANK_UPDATED"
)

// Budget and strategy events.
const (
	TypeCostOverrunWarning Type = "COST_OVERRUN_WARNING"
	TypeBudgetExceeded     Type = "BUDGET_EXCEEDED"
	TypeStrategyUpdate     Type = "STRATEGY_UPDATE"
)

// Human-gate events.
const (
	TypeUserApprovalRequired      Type = "USER_APPROVAL_REQUIRED"
	TypeUserApproved              Type = "USER_APPROVED"
	TypeUserRevisionRequested     Type = "USER_REVISION_REQUESTED"
	TypeUserRejected              Type = "USER_REJECTED"
	TypeHumanGateTriggered        Type = "HUMAN_GATE_TRIGGERED"
	TypeHumanClarificationNeeded  Type = "HUMAN_CLARIFICATION_REQUIRED"
)

// AllTypes lists every event type in the vocabulary. Replay scans iterate
// this set when the caller does not narrow the type filter.
func AllTypes() []Type {
	return []Type{
		TypeProjectCreated, TypeBudgetAllocated, TypeProjectFinalized,
		TypeProjectDelivered, TypeErrorOccurred,
		TypeSceneWritten, TypeShotPlanned, TypePromptGenerated, TypeRewriteScene,
		TypeKeyframeRequested, TypeImageGenerated, TypePreviewVideoRequested,
		TypePreviewVideoReady, TypeFinalVideoRequested, TypeFinalVideoReady,
		TypeMusicComposed, TypeVoiceRendered,
		TypeQAReport, TypeConsistencyFailed, TypeDNABankUpdated,
		TypeCostOverrunWarning, TypeBudgetExceeded, TypeStrategyUpdate,
		TypeUserApprovalRequired, TypeUserApproved, TypeUserRevisionRequested,
		TypeUserRejected, TypeHumanGateTriggered, TypeHumanClarificationNeeded,
	}
}

var validTypes = func() map[Type]bool {
	m := make(map[Type]bool, len(AllTypes()))
	for _, t := range AllTypes() {
		m[t] = true
	}
	return m
}()

// Validate checks the Type is part of the vocabulary.
func (t Type) Validate() error {
	if !validTypes[t] {
		return fmt.Errorf("unknown event type: %q", t)
	}
	return nil
}

// CostBearing reports whether events of this type can carry generation cost
// that the budget controller must account for.
func (t Type) CostBearing() bool {
	switch t {
	case TypeImageGenerated, TypePreviewVideoReady, TypeFinalVideoReady,
		TypeMusicComposed, TypeVoiceRendered, TypeConsistencyFailed:
		return true
	default:
		return false
	}
}

// Topic returns the event-log topic name for this event type.
// Pattern: {prefix}{EVENT_TYPE}, default prefix "event_stream:".
func (t Type) Topic(prefix string) string {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return prefix + string(t)
}

// DefaultStreamPrefix is the default event-log topic prefix.
const DefaultStreamPrefix = "event_stream:"

// DefaultConsumerGroup is the default consumer-group name used by the bus.
const DefaultConsumerGroup = "agent_group"
