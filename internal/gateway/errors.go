package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
)

// Kind is the error taxonomy every gateway rejection belongs to.
type Kind string

const (
	KindInvalidAction     Kind = "InvalidAction"
	KindStaleAction       Kind = "StaleAction"
	KindStepInProgress    Kind = "StepInProgress"
	KindDesynchronization Kind = "Desynchronization"
	KindOverload          Kind = "Overload"
	KindSimulatorFailure  Kind = "SimulatorFailure"
	KindLateDecision      Kind = "LateDecision"
	KindEpisodeTerminated Kind = "EpisodeTerminated"
)

// Machine-readable rejection reasons.
const (
	ReasonMalformedAction     = "MalformedAction"
	ReasonUnknownIntersection = "UnknownIntersection"
	ReasonInvalidPhase        = "InvalidPhase"
	ReasonMinGreenNotElapsed  = "MinGreenNotElapsed"
	ReasonMaxGreenExceeded    = "MaxGreenExceeded"
	ReasonStaleStep           = "StaleStep"
	ReasonDuplicateAction     = "DuplicateAction"
	ReasonActionNotPending    = "ActionNotPending"
	ReasonStepInProgress      = "StepInProgress"
	ReasonQueueFull           = "QueueFull"
	ReasonRateLimited         = "RateLimited"
	ReasonAdvanceQueueFull    = "AdvanceQueueFull"
	ReasonAdvanceWaitExceeded = "AdvanceWaitExceeded"
	ReasonEpisodeTerminated   = "EpisodeTerminated"
	ReasonSimulatorFailure    = "SimulatorFailure"
	ReasonHorizonReached      = "HorizonReached"
	ReasonLateDecision        = "LateDecisionTolerance"
	ReasonExperimentClosed    = "ExperimentClosed"
)

var (
	ErrInvalidAction     = errors.New("invalid action")
	ErrStaleAction       = errors.New("stale action")
	ErrStepInProgress    = errors.New("step in progress")
	ErrDesynchronization = errors.New("desynchronization")
	ErrOverload          = errors.New("overloaded")
	ErrEpisodeTerminated = errors.New("episode terminated")
	ErrLateDecision      = errors.New("late decision")
	// ErrSimulatorFailure is the adapter's sentinel so errors.Is works on
	// both raw adapter failures and gateway rejections.
	ErrSimulatorFailure = adapter.ErrSimulatorFailure

	ErrExperimentNotFound = errors.New("experiment not found")
	ErrExperimentExists   = errors.New("experiment already exists")
	ErrExperimentClosed   = errors.New("experiment closed")
	ErrEpisodeNotFound    = errors.New("episode not found")
	ErrEpisodeRunning     = errors.New("experiment already has a running episode")
	ErrEpisodeLimit       = errors.New("experiment episode limit reached")
)

var kindSentinels = map[Kind]error{
	KindInvalidAction:     ErrInvalidAction,
	KindStaleAction:       ErrStaleAction,
	KindStepInProgress:    ErrStepInProgress,
	KindDesynchronization: ErrDesynchronization,
	KindOverload:          ErrOverload,
	KindSimulatorFailure:  ErrSimulatorFailure,
	KindLateDecision:      ErrLateDecision,
	KindEpisodeTerminated: ErrEpisodeTerminated,
}

// Rejection is a request refused by the gateway. It never implies a
// state change. RetryAfter is set for Overload and Desynchronization.
type Rejection struct {
	Kind       Kind
	Reason     string
	Detail     string
	Step       int64
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", r.Kind, r.Reason, r.Detail)
}

// Unwrap exposes the kind sentinel to errors.Is.
func (r *Rejection) Unwrap() error { return kindSentinels[r.Kind] }

func reject(kind Kind, reason string, step int64, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, Step: step, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
