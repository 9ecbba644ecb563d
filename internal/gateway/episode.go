package gateway

import (
	"context"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// Episode is one run of an experiment: a synchronizer behind its own
// admission controller, plus the event log that records it.
type Episode struct {
	id           string
	experimentID string
	index        int
	seed         int64

	sync      *Synchronizer
	admission *Admission
	log       *eventlog.Log
	hub       *Hub
	metrics   Metrics
	logger    logging.Logger
	watchdog  *watchdog

	finishOnce sync.Once
	mu         sync.Mutex
	endStep    int64
	ended      bool
}

// ID returns the episode id.
func (e *Episode) ID() string { return e.id }

// ExperimentID returns the owning experiment.
func (e *Episode) ExperimentID() string { return e.experimentID }

// Log returns the episode's event log.
func (e *Episode) Log() *eventlog.Log { return e.log }

// Info summarises the episode.
func (e *Episode) Info() model.EpisodeInfo {
	status, reason := e.sync.Status()
	step, _, _ := e.sync.OpenStep()
	info := model.EpisodeInfo{
		ID:           e.id,
		ExperimentID: e.experimentID,
		Index:        e.index,
		Seed:         e.seed,
		Status:       status,
		StartStep:    0,
		EndStep:      -1,
		OpenStep:     step,
		Reason:       reason,
	}
	e.mu.Lock()
	if e.ended {
		info.EndStep = e.endStep
	}
	e.mu.Unlock()
	return info
}

// Status returns the lifecycle status.
func (e *Episode) Status() model.EpisodeStatus {
	s, _ := e.sync.Status()
	return s
}

// State returns the latest published snapshot and its step.
func (e *Episode) State(ctx context.Context) (*model.StateSnapshot, int64, error) {
	release, err := e.admit(ctx, ClassRead)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	snap, step := e.sync.Latest()
	return snap, step, nil
}

// Submit offers an action for the open step.
func (e *Episode) Submit(ctx context.Context, a model.ControlAction) (*Receipt, error) {
	release, err := e.admit(ctx, ClassAction)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.sync.Submit(ctx, a)
}

// Withdraw cancels a still-pending action.
func (e *Episode) Withdraw(ctx context.Context, actionID string) error {
	release, err := e.admit(ctx, ClassWithdraw)
	if err != nil {
		return err
	}
	defer release()
	return e.sync.Withdraw(ctx, actionID)
}

// Advance closes the open step and returns the new step number.
func (e *Episode) Advance(ctx context.Context) (int64, error) {
	release, err := e.admit(ctx, ClassAdvance)
	if err != nil {
		return 0, err
	}
	defer release()
	return e.sync.Advance(ctx)
}

func (e *Episode) admit(ctx context.Context, class RequestClass) (func(), error) {
	release, err := e.admission.Admit(ctx, class, e.sync)
	if err == nil {
		return release, nil
	}
	rej, ok := AsRejection(err)
	if !ok {
		return nil, err
	}
	kind := eventlog.KindOverload
	if rej.Kind == KindDesynchronization {
		kind = eventlog.KindDesynchronization
	}
	_, _ = e.log.Append(kind, eventlog.Payload{
		Request:    string(class),
		Reason:     rej.Reason,
		Detail:     rej.Detail,
		RetryAfter: rej.RetryAfter,
	})
	e.metrics.IncAdmissionRejection(rej.Reason)
	step, _, _ := e.sync.OpenStep()
	rej.Step = step
	return nil, rej
}

// observe reacts to the episode's own log: steps are broadcast to agents
// and a simulator failure ends the episode.
func (e *Episode) observe(en eventlog.Entry) {
	switch en.Kind {
	case eventlog.KindStepAdvanced:
		e.hub.Publish(Notification{
			ExperimentID: e.experimentID,
			EpisodeID:    e.id,
			Step:         en.Step,
			Status:       model.EpisodeRunning,
			Metrics:      en.Payload.Metrics,
		})
	case eventlog.KindSimulatorFailure:
		e.finish()
	}
}

// finish runs the terminal bookkeeping exactly once, after the
// synchronizer has become terminal.
func (e *Episode) finish() {
	e.finishOnce.Do(func() {
		e.watchdog.stop()

		final, finalReason := e.sync.Status()
		step, _, _ := e.sync.OpenStep()
		e.mu.Lock()
		e.ended = true
		e.endStep = step
		e.mu.Unlock()

		_, _ = e.log.Append(eventlog.KindEpisodeEnded, eventlog.Payload{
			Status: final,
			Reason: finalReason,
		})
		e.metrics.EpisodeTransition(string(model.EpisodeRunning), string(final))
		e.hub.Publish(Notification{
			ExperimentID: e.experimentID,
			EpisodeID:    e.id,
			Step:         step,
			Status:       final,
			Terminal:     true,
			Reason:       finalReason,
		})
		if err := e.sync.Close(); err != nil {
			e.logger.Warn(context.Background(), "simulator close failed", logging.Err(err))
		}
		e.logger.Info(context.Background(), "episode ended",
			logging.String("status", string(final)),
			logging.String("reason", finalReason),
			logging.Int64("end_step", step),
		)
	})
}
