package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/model"
)

// FaultInjector wraps a Simulator and makes it fail at chosen steps.
// Steps are counted from Initialize; the advance that would move the
// simulation from FailAdvanceAt to FailAdvanceAt+1 fails.
type FaultInjector struct {
	Simulator

	// FailAdvanceAt makes AdvanceOneStep fail at this step when >= 0.
	FailAdvanceAt int64
	// FailApplyAt makes ApplyActions fail at this step when >= 0.
	FailApplyAt int64
	// DieAt makes IsAlive report false from this step on when >= 0.
	DieAt int64

	mu   sync.Mutex
	step int64
}

// NewFaultInjector wraps inner with every fault disabled.
func NewFaultInjector(inner Simulator) *FaultInjector {
	return &FaultInjector{Simulator: inner, FailAdvanceAt: -1, FailApplyAt: -1, DieAt: -1}
}

func (f *FaultInjector) Initialize(ctx context.Context, scenario model.Scenario, seed int64) error {
	f.mu.Lock()
	f.step = 0
	f.mu.Unlock()
	return f.Simulator.Initialize(ctx, scenario, seed)
}

func (f *FaultInjector) ApplyActions(ctx context.Context, actions []model.ControlAction) error {
	f.mu.Lock()
	step := f.step
	f.mu.Unlock()
	if f.FailApplyAt >= 0 && step == f.FailApplyAt {
		return fmt.Errorf("injected apply failure at step %d", step)
	}
	return f.Simulator.ApplyActions(ctx, actions)
}

func (f *FaultInjector) AdvanceOneStep(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAdvanceAt >= 0 && f.step == f.FailAdvanceAt {
		return fmt.Errorf("injected advance failure at step %d", f.step)
	}
	if err := f.Simulator.AdvanceOneStep(ctx); err != nil {
		return err
	}
	f.step++
	return nil
}

func (f *FaultInjector) IsAlive() bool {
	f.mu.Lock()
	step := f.step
	f.mu.Unlock()
	if f.DieAt >= 0 && step >= f.DieAt {
		return false
	}
	return f.Simulator.IsAlive()
}

// Close closes the wrapped simulator if it holds resources.
func (f *FaultInjector) Close() error {
	if c, ok := f.Simulator.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
