package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/traffic-gateway/model"
)

func twoPhaseSpec(id string) model.IntersectionSpec {
	north, east := id+"-n", id+"-e"
	return model.IntersectionSpec{
		ID: id,
		Lanes: []model.LaneSpec{
			{ID: north, Length: 100, ArrivalRate: 0.2, Saturation: 1, FreeSpeed: 10},
			{ID: east, Length: 100, ArrivalRate: 0.2, Saturation: 1, FreeSpeed: 10},
		},
		Phases: []model.SignalPhase{
			{ID: "NS-green", MinGreen: 5, MaxGreen: 30, Movements: []model.Movement{{FromLane: north}}},
			{ID: "EW-green", MinGreen: 5, MaxGreen: 30, Movements: []model.Movement{{FromLane: east}}},
		},
	}
}

func TestAddAndGetIntersection(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddIntersection(twoPhaseSpec("A")); err != nil {
		t.Fatalf("AddIntersection error: %v", err)
	}
	got, ok := store.Intersection("A")
	if !ok || len(got.Phases) != 2 {
		t.Fatalf("Intersection returned %#v, %v; want two phases", got, ok)
	}
	if owner, ok := store.LaneOwner("A-n"); !ok || owner != "A" {
		t.Fatalf("LaneOwner(A-n) = %q, %v; want A", owner, ok)
	}
}

func TestAddIntersectionDuplicate(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddIntersection(twoPhaseSpec("A")); err != nil {
		t.Fatalf("first AddIntersection error: %v", err)
	}
	if err := store.AddIntersection(twoPhaseSpec("A")); !errors.Is(err, ErrIntersectionExists) {
		t.Fatalf("duplicate AddIntersection err = %v, want ErrIntersectionExists", err)
	}
}

func TestAddIntersectionRejectsInconsistentSpecs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.IntersectionSpec)
	}{
		{name: "missing id", mutate: func(s *model.IntersectionSpec) { s.ID = "" }},
		{name: "no phases", mutate: func(s *model.IntersectionSpec) { s.Phases = nil }},
		{name: "unknown lane in movement", mutate: func(s *model.IntersectionSpec) {
			s.Phases[0].Movements = []model.Movement{{FromLane: "nowhere"}}
		}},
		{name: "max below min", mutate: func(s *model.IntersectionSpec) { s.Phases[0].MaxGreen = 2 }},
		{name: "bad initial phase", mutate: func(s *model.IntersectionSpec) { s.InitialPhase = "all-red" }},
		{name: "duplicate phase", mutate: func(s *model.IntersectionSpec) { s.Phases[1].ID = s.Phases[0].ID }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := twoPhaseSpec("A")
			tc.mutate(&spec)
			if err := NewKnowledgeBase().AddIntersection(spec); !errors.Is(err, ErrInvalidTopology) {
				t.Fatalf("AddIntersection err = %v, want ErrInvalidTopology", err)
			}
		})
	}
}

func TestLaneOwnedByExactlyOneIntersection(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddIntersection(twoPhaseSpec("A")); err != nil {
		t.Fatalf("AddIntersection error: %v", err)
	}
	other := twoPhaseSpec("B")
	other.Lanes[0].ID = "A-n"
	other.Phases[0].Movements = []model.Movement{{FromLane: "A-n"}}
	if err := store.AddIntersection(other); !errors.Is(err, ErrLaneExists) {
		t.Fatalf("AddIntersection err = %v, want ErrLaneExists", err)
	}
}

func TestPhaseLookup(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddIntersection(twoPhaseSpec("A")); err != nil {
		t.Fatalf("AddIntersection error: %v", err)
	}
	p, err := store.Phase("A", "EW-green")
	if err != nil || p.MinGreen != 5 {
		t.Fatalf("Phase = %#v, %v", p, err)
	}
	if _, err := store.Phase("Z", "EW-green"); !errors.Is(err, ErrIntersectionNotFound) {
		t.Fatalf("Phase(Z) err = %v, want ErrIntersectionNotFound", err)
	}
	if _, err := store.Phase("A", "all-red"); err == nil {
		t.Fatalf("expected unknown phase to fail")
	}
}

func TestReturnedSpecIsACopy(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddIntersection(twoPhaseSpec("A")); err != nil {
		t.Fatalf("AddIntersection error: %v", err)
	}
	got, _ := store.Intersection("A")
	got.Phases[0].MinGreen = 99

	again, _ := store.Intersection("A")
	if again.Phases[0].MinGreen != 5 {
		t.Fatalf("KB state was mutated through a returned copy")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewKnowledgeBase()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("X%d", i)
			if err := store.AddIntersection(twoPhaseSpec(id)); err != nil {
				t.Errorf("AddIntersection(%s): %v", id, err)
			}
			_ = store.IntersectionIDs()
		}(i)
	}
	wg.Wait()

	if got := len(store.IntersectionIDs()); got != 8 {
		t.Fatalf("IntersectionIDs len = %d, want 8", got)
	}
}
