// Package adapter defines the boundary to the external traffic simulator.
//
// The gateway treats every error, panic or liveness loss reported
// through this boundary as a SimulatorFailure. Implementations have no
// concurrency of their own: the step synchronizer is the only caller and
// never calls concurrently.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/traffic-gateway/model"
)

var (
	// ErrSimulatorFailure is matched by every error surfaced through Guard.
	ErrSimulatorFailure = errors.New("simulator failure")
	// ErrNotInitialized is returned when a simulator is used before Initialize.
	ErrNotInitialized = errors.New("simulator not initialized")
	// ErrNotAlive is returned when the simulator reports it is no longer alive.
	ErrNotAlive = errors.New("simulator not alive")
)

// Simulator is the synchronous interface to a stepped microscopic
// traffic simulator.
type Simulator interface {
	Initialize(ctx context.Context, scenario model.Scenario, seed int64) error
	// ApplyActions installs all actions for the current step in one call.
	ApplyActions(ctx context.Context, actions []model.ControlAction) error
	AdvanceOneStep(ctx context.Context) error
	QueryState(ctx context.Context) (*model.StateSnapshot, error)
	IsAlive() bool
}

// Factory builds a fresh simulator for each episode.
type Factory func() Simulator

// FailureError describes a failed simulator operation.
type FailureError struct {
	Op  string
	Err error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("simulator %s failed: %v", e.Op, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Is makes every FailureError match ErrSimulatorFailure.
func (e *FailureError) Is(target error) bool { return target == ErrSimulatorFailure }

// Guard wraps a Simulator so that every failure mode, including panics
// and liveness loss, comes back as a *FailureError. Snapshots are cloned
// on the way out so the caller owns what it receives.
type Guard struct {
	inner       Simulator
	initialized bool
}

// NewGuard wraps inner.
func NewGuard(inner Simulator) *Guard {
	return &Guard{inner: inner}
}

// Initialize initialises the wrapped simulator.
func (g *Guard) Initialize(ctx context.Context, scenario model.Scenario, seed int64) error {
	err := g.call("initialize", false, func() error {
		return g.inner.Initialize(ctx, scenario, seed)
	})
	if err == nil {
		g.initialized = true
	}
	return err
}

// ApplyActions forwards a batch of actions.
func (g *Guard) ApplyActions(ctx context.Context, actions []model.ControlAction) error {
	if len(actions) == 0 {
		return nil
	}
	return g.call("apply_actions", true, func() error {
		return g.inner.ApplyActions(ctx, actions)
	})
}

// AdvanceOneStep moves the simulation forward exactly one step.
func (g *Guard) AdvanceOneStep(ctx context.Context) error {
	return g.call("advance", true, func() error {
		return g.inner.AdvanceOneStep(ctx)
	})
}

// QueryState returns a caller-owned copy of the current state.
func (g *Guard) QueryState(ctx context.Context) (*model.StateSnapshot, error) {
	var snap *model.StateSnapshot
	err := g.call("query_state", true, func() error {
		s, err := g.inner.QueryState(ctx)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("simulator returned no state")
		}
		snap = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// IsAlive reports the wrapped simulator's liveness. A panicking probe
// counts as dead.
func (g *Guard) IsAlive() (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			alive = false
		}
	}()
	return g.inner != nil && g.inner.IsAlive()
}

// Close closes the wrapped simulator if it holds resources.
func (g *Guard) Close() error {
	if c, ok := g.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (g *Guard) call(op string, needInit bool, fn func() error) (err error) {
	if g.inner == nil {
		return &FailureError{Op: op, Err: errors.New("no simulator attached")}
	}
	if needInit && !g.initialized {
		return &FailureError{Op: op, Err: ErrNotInitialized}
	}
	if needInit && !g.IsAlive() {
		return &FailureError{Op: op, Err: ErrNotAlive}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &FailureError{Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if callErr := fn(); callErr != nil {
		var fe *FailureError
		if errors.As(callErr, &fe) {
			return callErr
		}
		return &FailureError{Op: op, Err: callErr}
	}
	return nil
}
