package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/queuesim"
	"github.com/signalsfoundry/traffic-gateway/kb"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// corridor is two intersections, each with a north-south phase that has
// a long minimum green and an east-west phase that starts active.
func corridor() model.Scenario {
	junction := func(id string) model.IntersectionSpec {
		return model.IntersectionSpec{
			ID: id,
			Lanes: []model.LaneSpec{
				{ID: id + "-n", Length: 80, ArrivalRate: 0.4, Saturation: 1, FreeSpeed: 12},
				{ID: id + "-e", Length: 80, ArrivalRate: 0.3, Saturation: 1, FreeSpeed: 12},
			},
			Phases: []model.SignalPhase{
				{ID: "NS", MinGreen: 5, MaxGreen: 12, Movements: []model.Movement{{FromLane: id + "-n"}}},
				{ID: "EW", MinGreen: 2, Movements: []model.Movement{{FromLane: id + "-e"}}},
			},
			InitialPhase: "EW",
		}
	}
	return model.Scenario{
		Name:          "corridor",
		StepLength:    time.Second,
		Intersections: []model.IntersectionSpec{junction("A"), junction("B")},
	}
}

func corridorKB(t *testing.T) *kb.KnowledgeBase {
	t.Helper()
	k, err := kb.FromScenario(corridor())
	if err != nil {
		t.Fatalf("FromScenario: %v", err)
	}
	return k
}

func experiment(id string) config.ExperimentConfig {
	sc := corridor()
	return config.ExperimentConfig{
		ID:       id,
		Scenario: &sc,
		Seed:     7,
		Horizon:  100,
		Episodes: 3,
		Admission: config.AdmissionConfig{
			Rate:  1e6,
			Burst: 10000,
		},
	}
}

type harness struct {
	sync *Synchronizer
	log  *eventlog.Log

	mu       sync.Mutex
	terminal []model.EpisodeStatus
}

func newHarness(t *testing.T, sim adapter.Simulator, horizon int64) *harness {
	t.Helper()
	h := &harness{log: eventlog.New("exp", "exp-ep0")}
	h.sync = NewSynchronizer(SynchronizerOptions{
		ExperimentID: "exp",
		EpisodeID:    "exp-ep0",
		Simulator:    sim,
		Topology:     corridorKB(t),
		Log:          h.log,
		Horizon:      horizon,
		OnTerminal: func(status model.EpisodeStatus, _ string) {
			h.mu.Lock()
			h.terminal = append(h.terminal, status)
			h.mu.Unlock()
		},
	})
	if err := h.sync.Start(context.Background(), corridor(), 7); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func (h *harness) terminals() []model.EpisodeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.EpisodeStatus(nil), h.terminal...)
}

func (h *harness) advanceTo(t *testing.T, step int64) {
	t.Helper()
	for {
		cur, _, _ := h.sync.OpenStep()
		if cur >= step {
			return
		}
		if _, err := h.sync.Advance(context.Background()); err != nil {
			t.Fatalf("Advance from %d: %v", cur, err)
		}
	}
}

func setPhase(id, phase string, step int64) model.ControlAction {
	return model.ControlAction{IntersectionID: id, Kind: model.ActionSetPhase, PhaseID: phase, AgentID: "agent", TargetStep: step}
}

func extend(id string, n, step int64) model.ControlAction {
	return model.ControlAction{IntersectionID: id, Kind: model.ActionExtend, ExtendSteps: n, AgentID: "agent", TargetStep: step}
}

func phaseOf(t *testing.T, snap *model.StateSnapshot, id string) *model.Intersection {
	t.Helper()
	in, ok := snap.Intersection(id)
	if !ok {
		t.Fatalf("intersection %q missing from snapshot %d", id, snap.Step)
	}
	return in
}

func kinds(entries []eventlog.Entry, kind eventlog.Kind) []eventlog.Entry {
	var out []eventlog.Entry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func requireRejection(t *testing.T, err error, kind Kind, reason string) *Rejection {
	t.Helper()
	rej, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected %s/%s rejection, got %v", kind, reason, err)
	}
	if rej.Kind != kind || rej.Reason != reason {
		t.Fatalf("expected %s/%s, got %s/%s (%s)", kind, reason, rej.Kind, rej.Reason, rej.Detail)
	}
	return rej
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// blockingSim parks AdvanceOneStep until release is closed.
type blockingSim struct {
	*queuesim.Simulator
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSim() *blockingSim {
	return &blockingSim{
		Simulator: queuesim.New(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (b *blockingSim) AdvanceOneStep(ctx context.Context) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Simulator.AdvanceOneStep(ctx)
}

// stubGate is a StepGate whose advance is controlled by the test.
type stubGate struct {
	advancing bool
	closed    chan struct{}
}

func (g *stubGate) Advancing() (bool, <-chan struct{}) { return g.advancing, g.closed }
