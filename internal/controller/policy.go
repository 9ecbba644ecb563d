// Package controller holds rule-based signal controllers that act as
// agents against a gateway episode, either in-process or over the API.
package controller

import (
	"github.com/signalsfoundry/traffic-gateway/model"
)

// Policy maps an observation to at most one action per intersection.
// Returned actions target snap.Step; the runner fills in the agent id.
type Policy interface {
	Name() string
	Decide(snap *model.StateSnapshot) []model.ControlAction
}

// FixedTime cycles every intersection through its phases in declaration
// order, holding each phase for Green steps or its minimum green,
// whichever is longer.
type FixedTime struct {
	Green int64
}

func (FixedTime) Name() string { return "fixed-time" }

func (p FixedTime) Decide(snap *model.StateSnapshot) []model.ControlAction {
	if snap == nil {
		return nil
	}
	out := make([]model.ControlAction, 0, len(snap.Intersections))
	for _, in := range snap.Intersections {
		current, ok := in.Phase(in.CurrentPhase)
		if !ok || len(in.Phases) == 0 {
			continue
		}
		phase := in.CurrentPhase
		if in.Elapsed(snap.Step) >= max(p.Green, current.MinGreen, 1) {
			phase = nextPhase(in)
		}
		out = append(out, decision(in.ID, phase, snap.Step))
	}
	return out
}

func nextPhase(in *model.Intersection) string {
	for i, ph := range in.Phases {
		if ph.ID == in.CurrentPhase {
			return in.Phases[(i+1)%len(in.Phases)].ID
		}
	}
	return in.Phases[0].ID
}

// MaxPressure gives green to the phase whose permitted movements carry
// the most waiting vehicles net of their downstream queues. The current
// phase is kept until its minimum green has elapsed and is dropped once
// it reaches its maximum green. Ties favour the current phase, then
// declaration order.
type MaxPressure struct{}

func (MaxPressure) Name() string { return "max-pressure" }

func (MaxPressure) Decide(snap *model.StateSnapshot) []model.ControlAction {
	if snap == nil {
		return nil
	}
	queues := snap.QueueLengths()
	out := make([]model.ControlAction, 0, len(snap.Intersections))
	for _, in := range snap.Intersections {
		current, ok := in.Phase(in.CurrentPhase)
		if !ok {
			continue
		}
		elapsed := in.Elapsed(snap.Step)
		if elapsed < current.MinGreen {
			out = append(out, decision(in.ID, in.CurrentPhase, snap.Step))
			continue
		}
		forceSwitch := current.MaxGreen > 0 && elapsed >= current.MaxGreen && len(in.Phases) > 1

		best, bestPressure := "", 0
		if !forceSwitch {
			best, bestPressure = current.ID, Pressure(current, queues)
		}
		for _, ph := range in.Phases {
			if ph.ID == current.ID {
				continue
			}
			if pr := Pressure(ph, queues); best == "" || pr > bestPressure {
				best, bestPressure = ph.ID, pr
			}
		}
		out = append(out, decision(in.ID, best, snap.Step))
	}
	return out
}

// Pressure is the number of vehicles waiting on the phase's approach
// lanes minus those waiting on the lanes they feed.
func Pressure(ph model.SignalPhase, queues map[string]int) int {
	total := 0
	for _, m := range ph.Movements {
		total += queues[m.FromLane]
		if m.ToLane != "" {
			total -= queues[m.ToLane]
		}
	}
	return total
}

func decision(intersectionID, phase string, step int64) model.ControlAction {
	return model.ControlAction{
		IntersectionID: intersectionID,
		Kind:           model.ActionSetPhase,
		PhaseID:        phase,
		TargetStep:     step,
	}
}

// ByName returns the built-in policy called name.
func ByName(name string, green int64) (Policy, bool) {
	switch name {
	case "fixed-time", "fixed":
		return FixedTime{Green: green}, true
	case "max-pressure", "maxpressure", "":
		return MaxPressure{}, true
	default:
		return nil, false
	}
}
