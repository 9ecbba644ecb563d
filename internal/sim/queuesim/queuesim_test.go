package queuesim

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
	"github.com/signalsfoundry/traffic-gateway/model"
)

func crossScenario() model.Scenario {
	return model.Scenario{
		Name: "cross",
		Intersections: []model.IntersectionSpec{{
			ID: "A",
			Lanes: []model.LaneSpec{
				{ID: "A-n", Length: 100, ArrivalRate: 0.6, Saturation: 1, FreeSpeed: 10},
				{ID: "A-e", Length: 100, ArrivalRate: 0.6, Saturation: 1, FreeSpeed: 10},
			},
			Phases: []model.SignalPhase{
				{ID: "NS-green", MinGreen: 2, Movements: []model.Movement{{FromLane: "A-n"}}},
				{ID: "EW-green", MinGreen: 2, Movements: []model.Movement{{FromLane: "A-e"}}},
			},
		}},
	}
}

func run(t *testing.T, seed int64, steps int, switchAt map[int]string) []*model.StateSnapshot {
	t.Helper()
	ctx := context.Background()
	sim := New()
	if err := sim.Initialize(ctx, crossScenario(), seed); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	var out []*model.StateSnapshot
	for i := 0; i < steps; i++ {
		if phase, ok := switchAt[i]; ok {
			if err := sim.ApplyActions(ctx, []model.ControlAction{{IntersectionID: "A", Kind: model.ActionSetPhase, PhaseID: phase}}); err != nil {
				t.Fatalf("ApplyActions: %v", err)
			}
		}
		if err := sim.AdvanceOneStep(ctx); err != nil {
			t.Fatalf("AdvanceOneStep: %v", err)
		}
		snap, err := sim.QueryState(ctx)
		if err != nil {
			t.Fatalf("QueryState: %v", err)
		}
		out = append(out, snap)
	}
	return out
}

func TestSameSeedSameTrajectory(t *testing.T) {
	plan := map[int]string{5: "EW-green", 12: "NS-green"}
	a := run(t, 42, 30, plan)
	b := run(t, 42, 30, plan)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("identical seed and actions produced different snapshots")
	}

	c := run(t, 43, 30, plan)
	if reflect.DeepEqual(a, c) {
		t.Fatalf("different seeds produced identical trajectories")
	}
}

func TestRedLaneQueuesAndGreenLaneDischarges(t *testing.T) {
	snaps := run(t, 7, 60, nil)
	last := snaps[len(snaps)-1]

	east, _ := last.Lane("A-e")
	if east.Waiting == 0 {
		t.Fatalf("expected vehicles waiting on red lane A-e")
	}
	if last.Metrics.Throughput == 0 {
		t.Fatalf("expected departures from green lane A-n")
	}
	if last.Metrics.CumulativeDelay == 0 {
		t.Fatalf("expected accumulated delay")
	}
}

func TestPhaseChangeRecordsEntryStep(t *testing.T) {
	snaps := run(t, 1, 5, map[int]string{3: "EW-green"})
	in, _ := snaps[4].Intersection("A")
	if in.CurrentPhase != "EW-green" || in.PhaseEntryStep != 3 {
		t.Fatalf("intersection = %+v, want EW-green entered at step 3", in)
	}
	if snaps[4].Step != 5 {
		t.Fatalf("step = %d, want 5", snaps[4].Step)
	}
}

func TestQueryStateReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	sim := New()
	if err := sim.Initialize(ctx, crossScenario(), 3); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	first, _ := sim.QueryState(ctx)
	first.Intersections[0].CurrentPhase = "tampered"
	second, _ := sim.QueryState(ctx)
	if second.Intersections[0].CurrentPhase != "NS-green" {
		t.Fatalf("simulator state leaked through a snapshot")
	}
}

func TestUninitialisedAndClosed(t *testing.T) {
	ctx := context.Background()
	sim := New()
	if err := sim.AdvanceOneStep(ctx); !errors.Is(err, adapter.ErrNotInitialized) {
		t.Fatalf("AdvanceOneStep before init err = %v", err)
	}
	if err := sim.Initialize(ctx, crossScenario(), 1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = sim.Close()
	if sim.IsAlive() {
		t.Fatalf("closed simulator reports alive")
	}
	if err := sim.AdvanceOneStep(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("AdvanceOneStep after close err = %v", err)
	}
}

func TestUnknownPhaseIsAnError(t *testing.T) {
	ctx := context.Background()
	sim := New()
	if err := sim.Initialize(ctx, crossScenario(), 1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := sim.ApplyActions(ctx, []model.ControlAction{{IntersectionID: "A", Kind: model.ActionSetPhase, PhaseID: "all-red"}})
	if err == nil {
		t.Fatalf("expected unknown phase to fail")
	}
}
