package eventlog

import (
	"iter"

	"github.com/signalsfoundry/traffic-gateway/model"
)

// RewardFunc scores the metrics of one step.
type RewardFunc func(model.StepMetrics) float64

// NegativeDelay penalises every vehicle-step spent waiting.
func NegativeDelay(m model.StepMetrics) float64 { return -float64(m.StepDelay) }

// Throughput rewards vehicles that cleared a stop line.
func Throughput(m model.StepMetrics) float64 { return float64(m.Departures) }

// StepReward is the reward attributed to one published step.
type StepReward struct {
	ExperimentID string
	EpisodeID    string
	Step         int64
	Metrics      model.StepMetrics
	Reward       float64
	// Late is set when the step was advanced with substituted decisions.
	Late bool
}

// Rewards rebuilds the per-step reward series of an episode from its log.
// Only StepAdvanced entries carry metrics; a DelayEvent marks the step it
// precedes as late. A nil fn scores with NegativeDelay.
func Rewards(entries iter.Seq[Entry], fn RewardFunc) []StepReward {
	if fn == nil {
		fn = NegativeDelay
	}
	var (
		out  []StepReward
		late = make(map[int64]bool)
	)
	for e := range entries {
		switch e.Kind {
		case KindDelayEvent:
			// Logged at the open step; the step it delays is the next one.
			late[e.Step+1] = true
		case KindStepAdvanced:
			if e.Payload.Metrics == nil {
				continue
			}
			m := *e.Payload.Metrics
			out = append(out, StepReward{
				ExperimentID: e.ExperimentID,
				EpisodeID:    e.EpisodeID,
				Step:         e.Step,
				Metrics:      m,
				Reward:       fn(m),
				Late:         late[e.Step],
			})
		}
	}
	return out
}

// Return sums the rewards of a series.
func Return(rs []StepReward) float64 {
	var total float64
	for _, r := range rs {
		total += r.Reward
	}
	return total
}
