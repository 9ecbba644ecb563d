package model

import "time"

// StepMetrics are the aggregate observables reward computation needs.
type StepMetrics struct {
	// Departures is the number of vehicles that cleared a stop line
	// during the step that produced the snapshot.
	Departures int `json:"departures"`
	// Throughput is the cumulative departure count for the episode.
	Throughput int `json:"throughput"`
	// Queued is the number of stationary vehicles across all lanes.
	Queued int `json:"queued"`
	// Vehicles is the number of vehicles currently in the network.
	Vehicles int `json:"vehicles"`
	// StepDelay is the number of vehicle-steps spent waiting during the
	// step that produced the snapshot.
	StepDelay int64 `json:"step_delay"`
	// CumulativeDelay is the running total of StepDelay.
	CumulativeDelay int64 `json:"cumulative_delay"`
}

// StateSnapshot is a step-tagged observation of the whole simulation.
//
// Once published a snapshot is never mutated; callers MUST treat every
// slice and pointer reachable from it as read-only. Producers hand over
// ownership at publication time.
type StateSnapshot struct {
	Step          int64           `json:"step"`
	SimTime       time.Duration   `json:"sim_time"`
	Intersections []*Intersection `json:"intersections"`
	Lanes         []*Lane         `json:"lanes"`
	Vehicles      []*Vehicle      `json:"vehicles"`
	Metrics       StepMetrics     `json:"metrics"`
}

// Intersection returns the intersection with the given ID.
func (s *StateSnapshot) Intersection(id string) (*Intersection, bool) {
	if s == nil {
		return nil, false
	}
	for _, in := range s.Intersections {
		if in.ID == id {
			return in, true
		}
	}
	return nil, false
}

// Lane returns the lane with the given ID.
func (s *StateSnapshot) Lane(id string) (*Lane, bool) {
	if s == nil {
		return nil, false
	}
	for _, l := range s.Lanes {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// QueueLengths returns the waiting-vehicle count per lane.
func (s *StateSnapshot) QueueLengths() map[string]int {
	out := make(map[string]int)
	if s == nil {
		return out
	}
	for _, l := range s.Lanes {
		out[l.ID] = l.Waiting
	}
	return out
}

// Clone returns a deep copy that shares nothing with s.
func (s *StateSnapshot) Clone() *StateSnapshot {
	if s == nil {
		return nil
	}
	out := &StateSnapshot{
		Step:          s.Step,
		SimTime:       s.SimTime,
		Metrics:       s.Metrics,
		Intersections: make([]*Intersection, 0, len(s.Intersections)),
		Lanes:         make([]*Lane, 0, len(s.Lanes)),
		Vehicles:      make([]*Vehicle, 0, len(s.Vehicles)),
	}
	for _, in := range s.Intersections {
		out.Intersections = append(out.Intersections, in.Clone())
	}
	for _, l := range s.Lanes {
		out.Lanes = append(out.Lanes, l.Clone())
	}
	for _, v := range s.Vehicles {
		if v == nil {
			continue
		}
		cp := *v
		out.Vehicles = append(out.Vehicles, &cp)
	}
	return out
}
