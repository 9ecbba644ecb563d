package gateway

import (
	"context"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// watchdog enforces the decision deadline of one episode. It arms a
// timer whenever a step opens and hands expiries to the synchronizer.
type watchdog struct {
	sync   *Synchronizer
	cfg    config.LateDecisionConfig
	clock  timectrl.Clock
	logger logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func newWatchdog(s *Synchronizer, cfg config.LateDecisionConfig, clock timectrl.Clock, logger logging.Logger) *watchdog {
	return &watchdog{sync: s, cfg: cfg, clock: clock, logger: logger}
}

// start runs the watchdog until ctx ends, stop is called or the episode
// is terminal. done is invoked when the goroutine exits, or right away if
// the watchdog was already stopped.
func (w *watchdog) start(ctx context.Context, done func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		done()
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer done()
		w.run(ctx)
	}()
}

// stop does not wait for the goroutine; it may be called from it.
func (w *watchdog) stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *watchdog) run(ctx context.Context) {
	for {
		step, closed, terminal := w.sync.OpenStep()
		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-closed:
			continue
		case <-w.clock.After(w.cfg.Deadline):
		}

		out, err := w.sync.ExpireDeadline(ctx, step, w.cfg)
		if err != nil {
			w.logger.Warn(ctx, "deadline advance failed",
				logging.Int64("step", step),
				logging.Err(err),
			)
		}
		if len(out.Missing) > 0 {
			w.logger.Info(ctx, "decision deadline missed",
				logging.Int64("step", step),
				logging.Any("intersections", out.Missing),
				logging.String("policy", string(w.cfg.Policy)),
			)
		}
		if out.Advanced || out.Truncated {
			continue
		}
		// Armed once per step: wait for someone else to close it.
		select {
		case <-ctx.Done():
			return
		case <-closed:
		}
	}
}
