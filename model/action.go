package model

import "time"

// ActionKind distinguishes phase selection from duration adjustment.
type ActionKind string

const (
	// ActionSetPhase requests a phase for the intersection. Requesting
	// the current phase is a hold.
	ActionSetPhase ActionKind = "set_phase"
	// ActionExtend commits to keeping the current phase for ExtendSteps
	// further steps.
	ActionExtend ActionKind = "extend"
)

// ControlAction is an agent's request against one intersection for one
// step.
type ControlAction struct {
	ID             string     `json:"id"`
	IntersectionID string     `json:"intersection_id"`
	Kind           ActionKind `json:"kind"`
	PhaseID        string     `json:"phase_id,omitempty"`
	ExtendSteps    int64      `json:"extend_steps,omitempty"`
	AgentID        string     `json:"agent_id"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	TargetStep     int64      `json:"target_step"`
}

// RequestsPhaseChange reports whether applying the action would move the
// intersection away from current.
func (a ControlAction) RequestsPhaseChange(current string) bool {
	return a.Kind != ActionExtend && a.PhaseID != "" && a.PhaseID != current
}

// EffectivePhase returns the phase the intersection will be in once the
// action has been applied.
func (a ControlAction) EffectivePhase(current string) string {
	if a.RequestsPhaseChange(current) {
		return a.PhaseID
	}
	return current
}
