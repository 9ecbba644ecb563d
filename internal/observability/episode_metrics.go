package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EpisodeCollector exposes step, action and lifecycle metrics recorded by
// the gateway core.
type EpisodeCollector struct {
	gatherer prometheus.Gatherer

	StepsTotal          prometheus.Counter
	StepAdvanceDuration prometheus.Histogram
	Actions             *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	LateDecisions       *prometheus.CounterVec
	Episodes            *prometheus.GaugeVec
}

// NewEpisodeCollector registers episode metrics against the provided registerer.
func NewEpisodeCollector(reg prometheus.Registerer) (*EpisodeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_steps_total",
		Help: "Total number of published simulation steps across all episodes.",
	}), "gateway_steps_total")
	if err != nil {
		return nil, err
	}

	advance, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_step_advance_duration_seconds",
		Help:    "Time spent in the Advancing critical section per step.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "gateway_step_advance_duration_seconds")
	if err != nil {
		return nil, err
	}

	actions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_actions_total",
		Help: "Control actions by outcome (accepted, rejected, withdrawn, substituted) and rejection reason.",
	}, []string{"outcome", "reason"}), "gateway_actions_total")
	if err != nil {
		return nil, err
	}

	rejections, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_admission_rejections_total",
		Help: "Requests refused by admission control, labeled by reason.",
	}, []string{"reason"}), "gateway_admission_rejections_total")
	if err != nil {
		return nil, err
	}

	late, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_late_decisions_total",
		Help: "Steps advanced after a missed decision deadline, labeled by late-decision policy.",
	}, []string{"policy"}), "gateway_late_decisions_total")
	if err != nil {
		return nil, err
	}

	episodes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_episodes",
		Help: "Number of episodes per lifecycle status.",
	}, []string{"status"}), "gateway_episodes")
	if err != nil {
		return nil, err
	}

	return &EpisodeCollector{
		gatherer:            gatherer,
		StepsTotal:          steps,
		StepAdvanceDuration: advance,
		Actions:             actions,
		AdmissionRejections: rejections,
		LateDecisions:       late,
		Episodes:            episodes,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EpisodeCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveStep records one published step and the time spent advancing.
func (c *EpisodeCollector) ObserveStep(d time.Duration) {
	if c == nil {
		return
	}
	c.StepsTotal.Inc()
	c.StepAdvanceDuration.Observe(d.Seconds())
}

// IncAction counts an action outcome. reason is empty for accepted actions.
func (c *EpisodeCollector) IncAction(outcome, reason string) {
	if c == nil {
		return
	}
	c.Actions.WithLabelValues(outcome, reason).Inc()
}

// IncAdmissionRejection counts a request refused before reaching an episode.
func (c *EpisodeCollector) IncAdmissionRejection(reason string) {
	if c == nil {
		return
	}
	c.AdmissionRejections.WithLabelValues(reason).Inc()
}

// IncLateDecision counts a step advanced with substituted decisions.
func (c *EpisodeCollector) IncLateDecision(policy string) {
	if c == nil {
		return
	}
	c.LateDecisions.WithLabelValues(policy).Inc()
}

// EpisodeTransition moves one episode between status gauges. An empty
// from registers a new episode.
func (c *EpisodeCollector) EpisodeTransition(from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.Episodes.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.Episodes.WithLabelValues(to).Inc()
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
