package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// Env is the agent's view of one episode. Errors are gateway rejections
// or wrap them, so errors.Is against the gateway sentinels works for
// in-process and remote environments alike.
type Env interface {
	Observe(ctx context.Context) (*model.StateSnapshot, error)
	Act(ctx context.Context, a model.ControlAction) error
	Step(ctx context.Context) (int64, error)
}

// EpisodeEnv drives a gateway episode in-process.
type EpisodeEnv struct {
	Episode *gateway.Episode
}

func (e EpisodeEnv) Observe(ctx context.Context) (*model.StateSnapshot, error) {
	snap, _, err := e.Episode.State(ctx)
	return snap, err
}

func (e EpisodeEnv) Act(ctx context.Context, a model.ControlAction) error {
	_, err := e.Episode.Submit(ctx, a)
	return err
}

func (e EpisodeEnv) Step(ctx context.Context) (int64, error) {
	return e.Episode.Advance(ctx)
}

// Summary reports what a run did.
type Summary struct {
	Steps    int64
	Actions  int
	Rejected int
	Retries  int
	// Final is the last step observed.
	Final int64
}

// Runner loops observe, decide, act and advance until the episode ends
// or MaxSteps advances have been made.
type Runner struct {
	Policy   Policy
	AgentID  string
	Pacer    *timectrl.Pacer
	Logger   logging.Logger
	MaxSteps int64
	// MaxRetries bounds consecutive retries of a transient rejection.
	MaxRetries int
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Run drives env. It returns nil when the episode reached a terminal
// state, and the first non-transient error otherwise.
func (r *Runner) Run(ctx context.Context, env Env) (Summary, error) {
	if r.Policy == nil {
		return Summary{}, errors.New("controller: runner has no policy")
	}
	logger := r.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	pacer := r.Pacer
	if pacer == nil {
		pacer = timectrl.NewPacer(nil, 0, timectrl.Accelerated)
	}
	agentID := r.AgentID
	if agentID == "" {
		agentID = r.Policy.Name()
	}

	var sum Summary
	for r.MaxSteps <= 0 || sum.Steps < r.MaxSteps {
		if err := pacer.Wait(ctx); err != nil {
			return sum, err
		}

		var snap *model.StateSnapshot
		err := r.retry(ctx, &sum, func() error {
			var err error
			snap, err = env.Observe(ctx)
			return err
		})
		if done, err := finished(err); done {
			return sum, err
		}
		sum.Final = snap.Step

		for _, a := range r.Policy.Decide(snap) {
			a.AgentID = agentID
			err := r.retry(ctx, &sum, func() error { return env.Act(ctx, a) })
			switch {
			case err == nil:
				sum.Actions++
			case errors.Is(err, gateway.ErrInvalidAction), errors.Is(err, gateway.ErrStaleAction):
				sum.Rejected++
				logger.Debug(ctx, "action rejected",
					logging.String("intersection_id", a.IntersectionID),
					logging.String("phase_id", a.PhaseID),
					logging.Err(err),
				)
			default:
				if done, err := finished(err); done {
					return sum, err
				}
			}
		}

		var next int64
		err = r.retry(ctx, &sum, func() error {
			var err error
			next, err = env.Step(ctx)
			return err
		})
		if done, err := finished(err); done {
			return sum, err
		}
		sum.Steps++
		sum.Final = next
	}
	return sum, nil
}

// finished reports whether the run stops on err. A terminated episode
// ends the run cleanly.
func finished(err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, gateway.ErrEpisodeTerminated), errors.Is(err, gateway.ErrSimulatorFailure):
		return true, nil
	default:
		return true, err
	}
}

func (r *Runner) retry(ctx context.Context, sum *Summary, fn func() error) error {
	limit := r.MaxRetries
	if limit <= 0 {
		limit = 20
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) {
			return err
		}
		if attempt >= limit {
			return fmt.Errorf("controller: giving up after %d retries: %w", attempt, err)
		}
		sum.Retries++
		if err := sleep(ctx, retryAfter(err)); err != nil {
			return err
		}
	}
}

func transient(err error) bool {
	return errors.Is(err, gateway.ErrOverload) ||
		errors.Is(err, gateway.ErrDesynchronization) ||
		errors.Is(err, gateway.ErrStepInProgress)
}

func retryAfter(err error) time.Duration {
	if rej, ok := gateway.AsRejection(err); ok && rej.RetryAfter > 0 {
		return rej.RetryAfter
	}
	return 5 * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
