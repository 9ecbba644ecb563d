package model

import "time"

// EpisodeStatus is the externally visible lifecycle state of an episode.
type EpisodeStatus string

const (
	EpisodeRunning   EpisodeStatus = "running"
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeTruncated EpisodeStatus = "truncated"
	EpisodeFailed    EpisodeStatus = "failed"
)

// Terminal reports whether no further actions or advances are accepted.
func (s EpisodeStatus) Terminal() bool {
	return s == EpisodeCompleted || s == EpisodeTruncated || s == EpisodeFailed
}

// EpisodeInfo is a read-only summary of one episode.
type EpisodeInfo struct {
	ID           string        `json:"id"`
	ExperimentID string        `json:"experiment_id"`
	Index        int           `json:"index"`
	Seed         int64         `json:"seed"`
	Status       EpisodeStatus `json:"status"`
	StartStep    int64         `json:"start_step"`
	EndStep      int64         `json:"end_step"`
	OpenStep     int64         `json:"open_step"`
	Reason       string        `json:"reason,omitempty"`
}

// LaneSpec describes a lane in a scenario. ArrivalRate is the
// probability of a vehicle entering the lane on any step; Saturation is
// the maximum number of vehicles discharged per green step.
type LaneSpec struct {
	ID          string  `json:"id" yaml:"id"`
	Length      float64 `json:"length" yaml:"length"`
	ArrivalRate float64 `json:"arrival_rate" yaml:"arrival_rate"`
	Saturation  int     `json:"saturation" yaml:"saturation"`
	FreeSpeed   float64 `json:"free_speed" yaml:"free_speed"`
}

// IntersectionSpec describes a signalised intersection in a scenario.
// The first phase is the initial phase unless InitialPhase is set.
type IntersectionSpec struct {
	ID           string        `json:"id" yaml:"id"`
	Lanes        []LaneSpec    `json:"lanes" yaml:"lanes"`
	Phases       []SignalPhase `json:"phases" yaml:"phases"`
	InitialPhase string        `json:"initial_phase,omitempty" yaml:"initial_phase,omitempty"`
}

// Scenario is the road network and demand handed to the simulator at
// initialisation.
type Scenario struct {
	Name          string             `json:"name" yaml:"name"`
	StepLength    time.Duration      `json:"step_length" yaml:"step_length"`
	Intersections []IntersectionSpec `json:"intersections" yaml:"intersections"`
}

// InitialPhaseID returns the phase the intersection starts in.
func (s IntersectionSpec) InitialPhaseID() string {
	if s.InitialPhase != "" {
		return s.InitialPhase
	}
	if len(s.Phases) > 0 {
		return s.Phases[0].ID
	}
	return ""
}
