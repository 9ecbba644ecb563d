package eventlog

import (
	"time"

	"github.com/signalsfoundry/traffic-gateway/model"
)

// Kind classifies a log entry.
type Kind string

const (
	KindStepAdvanced      Kind = "StepAdvanced"
	KindActionAccepted    Kind = "ActionAccepted"
	KindActionRejected    Kind = "ActionRejected"
	KindActionWithdrawn   Kind = "ActionWithdrawn"
	KindDelayEvent        Kind = "DelayEvent"
	KindSimulatorFailure  Kind = "SimulatorFailure"
	KindOverload          Kind = "Overload"
	KindDesynchronization Kind = "Desynchronization"
	KindEpisodeStarted    Kind = "EpisodeStarted"
	KindEpisodeEnded      Kind = "EpisodeEnded"
)

// Payload carries the kind-specific detail of an entry. Only the fields
// relevant to the kind are set.
type Payload struct {
	Action *model.ControlAction `json:"action,omitempty" cbor:"action,omitempty"`
	Reason string               `json:"reason,omitempty" cbor:"reason,omitempty"`
	Detail string               `json:"detail,omitempty" cbor:"detail,omitempty"`

	// StepAdvanced: aggregate metrics, per-lane queues and per-intersection
	// phases of the newly published snapshot, and the applied actions.
	Metrics *model.StepMetrics `json:"metrics,omitempty" cbor:"metrics,omitempty"`
	Queues  map[string]int     `json:"queues,omitempty" cbor:"queues,omitempty"`
	Phases  map[string]string  `json:"phases,omitempty" cbor:"phases,omitempty"`
	Applied []string           `json:"applied,omitempty" cbor:"applied,omitempty"`

	// DelayEvent: intersections without a decision and what was done.
	Intersections []string `json:"intersections,omitempty" cbor:"intersections,omitempty"`
	Policy        string   `json:"policy,omitempty" cbor:"policy,omitempty"`

	// Overload and Desynchronization: the request class and retry hint.
	Request    string        `json:"request,omitempty" cbor:"request,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty" cbor:"retry_after,omitempty"`

	// EpisodeStarted and EpisodeEnded.
	Seed   int64               `json:"seed,omitempty" cbor:"seed,omitempty"`
	Status model.EpisodeStatus `json:"status,omitempty" cbor:"status,omitempty"`
}

// Entry is one immutable record. Seq is the zero-based position in the
// episode's log; Step is the open step when the entry was appended, or
// the newly opened step for StepAdvanced.
type Entry struct {
	Seq          uint64    `json:"seq" cbor:"seq"`
	ExperimentID string    `json:"experiment_id" cbor:"experiment_id"`
	EpisodeID    string    `json:"episode_id" cbor:"episode_id"`
	Step         int64     `json:"step" cbor:"step"`
	Kind         Kind      `json:"kind" cbor:"kind"`
	Time         time.Time `json:"time" cbor:"time"`
	Payload      Payload   `json:"payload" cbor:"payload"`
}

// StepPayload builds the StepAdvanced payload for a published snapshot.
func StepPayload(snap *model.StateSnapshot, applied []model.ControlAction) Payload {
	p := Payload{}
	if snap == nil {
		return p
	}
	m := snap.Metrics
	p.Metrics = &m
	p.Queues = snap.QueueLengths()
	p.Phases = make(map[string]string, len(snap.Intersections))
	for _, in := range snap.Intersections {
		p.Phases[in.ID] = in.CurrentPhase
	}
	for _, a := range applied {
		p.Applied = append(p.Applied, a.ID)
	}
	return p
}
