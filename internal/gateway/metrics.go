package gateway

import "time"

// Metrics receives counters from the gateway core. The Prometheus
// collector in internal/observability implements it.
type Metrics interface {
	ObserveStep(d time.Duration)
	IncAction(outcome, reason string)
	IncAdmissionRejection(reason string)
	IncLateDecision(policy string)
	EpisodeTransition(from, to string)
}

// Action outcomes reported to Metrics.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomeWithdrawn   = "withdrawn"
	OutcomeSubstituted = "substituted"
)

type noopMetrics struct{}

func (noopMetrics) ObserveStep(time.Duration)        {}
func (noopMetrics) IncAction(string, string)         {}
func (noopMetrics) IncAdmissionRejection(string)     {}
func (noopMetrics) IncLateDecision(string)           {}
func (noopMetrics) EpisodeTransition(string, string) {}

