package model

// Movement is a permitted flow from an approach lane through the
// intersection. ToLane is empty when the movement exits the modelled
// network.
type Movement struct {
	FromLane string `json:"from_lane" yaml:"from_lane"`
	ToLane   string `json:"to_lane,omitempty" yaml:"to_lane,omitempty"`
}

// SignalPhase is one selectable signal state of an intersection.
// MinGreen and MaxGreen are expressed in simulation steps; a zero
// MaxGreen means the phase may be held indefinitely.
type SignalPhase struct {
	ID        string     `json:"id" yaml:"id"`
	MinGreen  int64      `json:"min_green" yaml:"min_green"`
	MaxGreen  int64      `json:"max_green,omitempty" yaml:"max_green,omitempty"`
	Movements []Movement `json:"movements" yaml:"movements"`
}

// Permits reports whether the phase gives green to the given lane.
func (p SignalPhase) Permits(laneID string) bool {
	for _, m := range p.Movements {
		if m.FromLane == laneID {
			return true
		}
	}
	return false
}

// Intersection is the observable state of a signalised junction.
//
// CurrentPhase is always one of Phases. PhaseEntryStep is the step on
// which the current phase was applied; phase changes only happen at step
// boundaries, so the phase has been active for (step - PhaseEntryStep)
// steps when observed at step.
type Intersection struct {
	ID             string        `json:"id"`
	Lanes          []string      `json:"lanes"`
	Phases         []SignalPhase `json:"phases"`
	CurrentPhase   string        `json:"current_phase"`
	PhaseEntryStep int64         `json:"phase_entry_step"`
}

// Phase returns the phase with the given ID.
func (i *Intersection) Phase(id string) (SignalPhase, bool) {
	if i == nil {
		return SignalPhase{}, false
	}
	for _, p := range i.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return SignalPhase{}, false
}

// Elapsed returns how many steps the current phase has been active as of
// step.
func (i *Intersection) Elapsed(step int64) int64 {
	if i == nil || step < i.PhaseEntryStep {
		return 0
	}
	return step - i.PhaseEntryStep
}

// Clone returns a deep copy.
func (i *Intersection) Clone() *Intersection {
	if i == nil {
		return nil
	}
	out := *i
	out.Lanes = append([]string(nil), i.Lanes...)
	out.Phases = make([]SignalPhase, len(i.Phases))
	for idx, p := range i.Phases {
		p.Movements = append([]Movement(nil), p.Movements...)
		out.Phases[idx] = p
	}
	return &out
}

// Lane is an approach lane. Vehicles lists vehicle IDs in queue order,
// head (closest to the stop line) first.
type Lane struct {
	ID             string   `json:"id"`
	IntersectionID string   `json:"intersection_id"`
	Vehicles       []string `json:"vehicles"`
	Waiting        int      `json:"waiting"`
}

// Clone returns a deep copy.
func (l *Lane) Clone() *Lane {
	if l == nil {
		return nil
	}
	out := *l
	out.Vehicles = append([]string(nil), l.Vehicles...)
	return &out
}

// Vehicle is a read-only observation of a simulated vehicle. Position
// is the distance in metres to the stop line of its lane.
type Vehicle struct {
	ID           string  `json:"id"`
	LaneID       string  `json:"lane_id"`
	Speed        float64 `json:"speed"`
	Position     float64 `json:"position"`
	WaitingSteps int64   `json:"waiting_steps"`
}
