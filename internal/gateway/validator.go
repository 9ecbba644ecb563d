package gateway

import (
	"github.com/signalsfoundry/traffic-gateway/kb"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// Validator checks proposed actions against the static topology and the
// latest published observation. It holds no mutable state.
type Validator struct {
	kb *kb.KnowledgeBase
}

// NewValidator returns a validator over the given topology.
func NewValidator(k *kb.KnowledgeBase) *Validator {
	return &Validator{kb: k}
}

// Validate returns nil or a *Rejection. snap is the snapshot of the open
// step. Checks run in a fixed order: intersection, phase, green-time
// constraints, then target step.
func (v *Validator) Validate(a model.ControlAction, snap *model.StateSnapshot, openStep int64) error {
	if a.IntersectionID == "" {
		return reject(KindInvalidAction, ReasonMalformedAction, openStep, "intersection id is required")
	}
	switch a.Kind {
	case model.ActionSetPhase:
		if a.PhaseID == "" {
			return reject(KindInvalidAction, ReasonMalformedAction, openStep, "set_phase requires a phase id")
		}
	case model.ActionExtend:
		if a.ExtendSteps <= 0 {
			return reject(KindInvalidAction, ReasonMalformedAction, openStep, "extend requires a positive step count, got %d", a.ExtendSteps)
		}
	default:
		return reject(KindInvalidAction, ReasonMalformedAction, openStep, "unknown action kind %q", a.Kind)
	}

	spec, ok := v.kb.Intersection(a.IntersectionID)
	var in *model.Intersection
	if ok && snap != nil {
		in, ok = snap.Intersection(a.IntersectionID)
	}
	if !ok || in == nil {
		return reject(KindInvalidAction, ReasonUnknownIntersection, openStep, "intersection %q does not exist", a.IntersectionID)
	}

	if a.Kind == model.ActionSetPhase {
		if _, err := v.kb.Phase(spec.ID, a.PhaseID); err != nil {
			return reject(KindInvalidAction, ReasonInvalidPhase, openStep, "phase %q is not valid for intersection %q", a.PhaseID, spec.ID)
		}
	}

	current, err := v.kb.Phase(spec.ID, in.CurrentPhase)
	if err != nil {
		return reject(KindInvalidAction, ReasonInvalidPhase, openStep, "intersection %q reports unknown phase %q", spec.ID, in.CurrentPhase)
	}
	elapsed := in.Elapsed(openStep)
	if a.RequestsPhaseChange(in.CurrentPhase) && elapsed < current.MinGreen {
		return reject(KindInvalidAction, ReasonMinGreenNotElapsed, openStep,
			"phase %q active for %d of %d minimum steps", in.CurrentPhase, elapsed, current.MinGreen)
	}
	if a.Kind == model.ActionExtend && current.MaxGreen > 0 && elapsed+a.ExtendSteps > current.MaxGreen {
		return reject(KindInvalidAction, ReasonMaxGreenExceeded, openStep,
			"extending %q by %d steps exceeds max green %d (elapsed %d)", in.CurrentPhase, a.ExtendSteps, current.MaxGreen, elapsed)
	}

	if a.TargetStep != openStep {
		return reject(KindStaleAction, ReasonStaleStep, openStep, "action targets step %d, open step is %d", a.TargetStep, openStep)
	}
	return nil
}
