package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/traffic-gateway/model"
)

type stubSimulator struct {
	step      int64
	alive     bool
	panicOn   string
	advanceFn func() error
	applied   [][]model.ControlAction
	closed    bool
}

func (s *stubSimulator) Initialize(context.Context, model.Scenario, int64) error {
	s.alive = true
	return nil
}

func (s *stubSimulator) ApplyActions(_ context.Context, actions []model.ControlAction) error {
	if s.panicOn == "apply" {
		panic("apply exploded")
	}
	s.applied = append(s.applied, actions)
	return nil
}

func (s *stubSimulator) AdvanceOneStep(context.Context) error {
	if s.advanceFn != nil {
		if err := s.advanceFn(); err != nil {
			return err
		}
	}
	s.step++
	return nil
}

func (s *stubSimulator) QueryState(context.Context) (*model.StateSnapshot, error) {
	return &model.StateSnapshot{
		Step:          s.step,
		Intersections: []*model.Intersection{{ID: "A", CurrentPhase: "NS-green"}},
	}, nil
}

func (s *stubSimulator) IsAlive() bool { return s.alive }

func (s *stubSimulator) Close() error {
	s.closed = true
	return nil
}

func TestGuardWrapsErrorsAsSimulatorFailure(t *testing.T) {
	ctx := context.Background()
	stub := &stubSimulator{advanceFn: func() error { return errors.New("engine crashed") }}
	g := NewGuard(stub)
	if err := g.Initialize(ctx, model.Scenario{}, 1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := g.AdvanceOneStep(ctx)
	if !errors.Is(err, ErrSimulatorFailure) {
		t.Fatalf("AdvanceOneStep err = %v, want ErrSimulatorFailure", err)
	}
	var fe *FailureError
	if !errors.As(err, &fe) || fe.Op != "advance" {
		t.Fatalf("expected FailureError with op advance, got %#v", err)
	}
}

func TestGuardRecoversPanics(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(&stubSimulator{panicOn: "apply"})
	_ = g.Initialize(ctx, model.Scenario{}, 1)

	err := g.ApplyActions(ctx, []model.ControlAction{{IntersectionID: "A"}})
	if !errors.Is(err, ErrSimulatorFailure) {
		t.Fatalf("ApplyActions err = %v, want ErrSimulatorFailure", err)
	}
}

func TestGuardRequiresInitialisationAndLiveness(t *testing.T) {
	ctx := context.Background()
	stub := &stubSimulator{}
	g := NewGuard(stub)
	if err := g.AdvanceOneStep(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("AdvanceOneStep before init err = %v", err)
	}

	_ = g.Initialize(ctx, model.Scenario{}, 1)
	stub.alive = false
	if err := g.AdvanceOneStep(ctx); !errors.Is(err, ErrNotAlive) || !errors.Is(err, ErrSimulatorFailure) {
		t.Fatalf("AdvanceOneStep on dead simulator err = %v", err)
	}
}

func TestGuardSkipsEmptyActionBatches(t *testing.T) {
	stub := &stubSimulator{}
	g := NewGuard(stub)
	_ = g.Initialize(context.Background(), model.Scenario{}, 1)
	if err := g.ApplyActions(context.Background(), nil); err != nil {
		t.Fatalf("ApplyActions(nil): %v", err)
	}
	if len(stub.applied) != 0 {
		t.Fatalf("empty batch reached the simulator")
	}
}

func TestGuardQueryStateClones(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(&stubSimulator{})
	_ = g.Initialize(ctx, model.Scenario{}, 1)
	a, err := g.QueryState(ctx)
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	b, _ := g.QueryState(ctx)
	if a.Intersections[0] == b.Intersections[0] {
		t.Fatalf("QueryState returned shared intersection pointers")
	}
}

func TestFaultInjectorFailsAtConfiguredStep(t *testing.T) {
	ctx := context.Background()
	stub := &stubSimulator{}
	fi := NewFaultInjector(stub)
	fi.FailAdvanceAt = 2
	g := NewGuard(fi)
	_ = g.Initialize(ctx, model.Scenario{}, 1)

	for i := 0; i < 2; i++ {
		if err := g.AdvanceOneStep(ctx); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if err := g.AdvanceOneStep(ctx); !errors.Is(err, ErrSimulatorFailure) {
		t.Fatalf("advance at step 2 err = %v, want failure", err)
	}
	if stub.step != 2 {
		t.Fatalf("inner simulator advanced to %d, want 2", stub.step)
	}
}

func TestFaultInjectorDeathAndClose(t *testing.T) {
	ctx := context.Background()
	stub := &stubSimulator{}
	fi := NewFaultInjector(stub)
	fi.DieAt = 1
	g := NewGuard(fi)
	_ = g.Initialize(ctx, model.Scenario{}, 1)

	if err := g.AdvanceOneStep(ctx); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if g.IsAlive() {
		t.Fatalf("simulator should be dead at step 1")
	}
	if err := g.Close(); err != nil || !stub.closed {
		t.Fatalf("Close did not reach the inner simulator: %v", err)
	}
}
