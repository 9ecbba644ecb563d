// Package queuesim is a small deterministic traffic simulator that
// implements adapter.Simulator. Vehicles arrive on approach lanes with a
// seeded Bernoulli process, drive toward the stop line at free speed,
// queue behind each other, and discharge at a saturation rate while
// their lane has green. It exists so the gateway can be exercised
// end-to-end without an external engine.
package queuesim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
	"github.com/signalsfoundry/traffic-gateway/model"
)

const (
	// vehicleSpacing is the bumper-to-bumper gap of a stopped queue, in metres.
	vehicleSpacing = 7.5
	// stoppedSpeed is the speed below which a vehicle counts as waiting.
	stoppedSpeed = 0.1

	defaultStepLength = time.Second
	defaultFreeSpeed  = 13.9
	defaultLaneLength = 150
)

var _ adapter.Simulator = (*Simulator)(nil)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("queuesim: closed")

type vehicle struct {
	id      string
	pos     float64
	speed   float64
	waiting int64
}

type lane struct {
	spec         model.LaneSpec
	intersection *junction
	vehicles     []*vehicle
}

type junction struct {
	spec  model.IntersectionSpec
	phase string
	entry int64
	green map[string]map[string]bool // phase -> lane -> permitted
}

// Simulator is the point-queue simulator. It is not safe for concurrent
// use.
type Simulator struct {
	scenario    model.Scenario
	rng         *rand.Rand
	step        int64
	nextVehicle int
	junctions   []*junction
	lanes       []*lane
	metrics     model.StepMetrics
	initialized bool
	closed      bool
}

// New returns an uninitialised simulator.
func New() *Simulator { return &Simulator{} }

// Factory returns an adapter.Factory producing fresh simulators.
func Factory() adapter.Factory {
	return func() adapter.Simulator { return New() }
}

// Initialize loads the scenario and resets all state. The same scenario
// and seed always produce the same trajectory for the same actions.
func (s *Simulator) Initialize(_ context.Context, scenario model.Scenario, seed int64) error {
	if s.closed {
		return ErrClosed
	}
	if len(scenario.Intersections) == 0 {
		return errors.New("queuesim: scenario has no intersections")
	}

	s.scenario = scenario
	if s.scenario.StepLength <= 0 {
		s.scenario.StepLength = defaultStepLength
	}
	s.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	s.step = 0
	s.nextVehicle = 0
	s.metrics = model.StepMetrics{}
	s.junctions = nil
	s.lanes = nil

	for _, spec := range scenario.Intersections {
		j := &junction{
			spec:  spec,
			phase: spec.InitialPhaseID(),
			green: make(map[string]map[string]bool, len(spec.Phases)),
		}
		for _, p := range spec.Phases {
			lanes := make(map[string]bool, len(p.Movements))
			for _, m := range p.Movements {
				lanes[m.FromLane] = true
			}
			j.green[p.ID] = lanes
		}
		if _, ok := j.green[j.phase]; !ok {
			return fmt.Errorf("queuesim: intersection %q initial phase %q undefined", spec.ID, j.phase)
		}
		s.junctions = append(s.junctions, j)
		for _, ls := range spec.Lanes {
			if ls.Length <= 0 {
				ls.Length = defaultLaneLength
			}
			if ls.FreeSpeed <= 0 {
				ls.FreeSpeed = defaultFreeSpeed
			}
			if ls.Saturation <= 0 {
				ls.Saturation = 1
			}
			s.lanes = append(s.lanes, &lane{spec: ls, intersection: j})
		}
	}
	s.initialized = true
	return nil
}

// ApplyActions switches phases. Extensions carry no physical effect; the
// phase is simply kept.
func (s *Simulator) ApplyActions(_ context.Context, actions []model.ControlAction) error {
	if err := s.ready(); err != nil {
		return err
	}
	for _, a := range actions {
		j := s.junction(a.IntersectionID)
		if j == nil {
			return fmt.Errorf("queuesim: unknown intersection %q", a.IntersectionID)
		}
		if !a.RequestsPhaseChange(j.phase) {
			continue
		}
		if _, ok := j.green[a.PhaseID]; !ok {
			return fmt.Errorf("queuesim: unknown phase %q for intersection %q", a.PhaseID, j.spec.ID)
		}
		j.phase = a.PhaseID
		j.entry = s.step
	}
	return nil
}

// AdvanceOneStep discharges, moves and spawns vehicles for one step.
func (s *Simulator) AdvanceOneStep(_ context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	dt := s.scenario.StepLength.Seconds()

	departures := 0
	var stepDelay int64
	for _, l := range s.lanes {
		departures += s.discharge(l, dt)
		stepDelay += s.move(l, dt)
	}
	for _, l := range s.lanes {
		s.spawn(l)
	}

	s.step++
	s.metrics.Departures = departures
	s.metrics.Throughput += departures
	s.metrics.StepDelay = stepDelay
	s.metrics.CumulativeDelay += stepDelay
	return nil
}

func (s *Simulator) discharge(l *lane, dt float64) int {
	if !l.intersection.green[l.intersection.phase][l.spec.ID] {
		return 0
	}
	reach := l.spec.FreeSpeed * dt
	n := 0
	for n < l.spec.Saturation && n < len(l.vehicles) && l.vehicles[n].pos <= reach {
		n++
	}
	l.vehicles = l.vehicles[n:]
	return n
}

func (s *Simulator) move(l *lane, dt float64) int64 {
	var delay int64
	for i, v := range l.vehicles {
		// The head stops at the stop line; followers keep their spacing.
		limit := 0.0
		if i > 0 {
			limit = l.vehicles[i-1].pos + vehicleSpacing
		}
		next := v.pos - l.spec.FreeSpeed*dt
		if next < limit {
			next = limit
		}
		if next > v.pos {
			next = v.pos
		}
		v.speed = (v.pos - next) / dt
		v.pos = next
		if v.speed < stoppedSpeed {
			v.speed = 0
			v.waiting++
			delay++
		}
	}
	return delay
}

func (s *Simulator) spawn(l *lane) {
	if s.rng.Float64() >= l.spec.ArrivalRate {
		return
	}
	if n := len(l.vehicles); n > 0 && l.vehicles[n-1].pos > l.spec.Length-vehicleSpacing {
		return
	}
	s.nextVehicle++
	l.vehicles = append(l.vehicles, &vehicle{
		id:    fmt.Sprintf("veh-%d", s.nextVehicle),
		pos:   l.spec.Length,
		speed: l.spec.FreeSpeed,
	})
}

// QueryState returns a fresh snapshot of the current step.
func (s *Simulator) QueryState(_ context.Context) (*model.StateSnapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	snap := &model.StateSnapshot{
		Step:    s.step,
		SimTime: time.Duration(s.step) * s.scenario.StepLength,
		Metrics: s.metrics,
	}
	laneIDs := make(map[*junction][]string, len(s.junctions))
	for _, l := range s.lanes {
		ml := &model.Lane{ID: l.spec.ID, IntersectionID: l.intersection.spec.ID}
		for _, v := range l.vehicles {
			ml.Vehicles = append(ml.Vehicles, v.id)
			if v.speed == 0 {
				ml.Waiting++
			}
			snap.Vehicles = append(snap.Vehicles, &model.Vehicle{
				ID:           v.id,
				LaneID:       l.spec.ID,
				Speed:        v.speed,
				Position:     v.pos,
				WaitingSteps: v.waiting,
			})
		}
		snap.Metrics.Queued += ml.Waiting
		snap.Lanes = append(snap.Lanes, ml)
		laneIDs[l.intersection] = append(laneIDs[l.intersection], l.spec.ID)
	}
	snap.Metrics.Vehicles = len(snap.Vehicles)

	for _, j := range s.junctions {
		in := &model.Intersection{
			ID:             j.spec.ID,
			Lanes:          laneIDs[j],
			CurrentPhase:   j.phase,
			PhaseEntryStep: j.entry,
		}
		in.Phases = make([]model.SignalPhase, len(j.spec.Phases))
		for i, p := range j.spec.Phases {
			p.Movements = append([]model.Movement(nil), p.Movements...)
			in.Phases[i] = p
		}
		snap.Intersections = append(snap.Intersections, in)
	}
	return snap, nil
}

// IsAlive reports whether the simulator can still be stepped.
func (s *Simulator) IsAlive() bool { return s.initialized && !s.closed }

// Close releases the simulator; further calls fail.
func (s *Simulator) Close() error {
	s.closed = true
	return nil
}

func (s *Simulator) ready() error {
	if s.closed {
		return ErrClosed
	}
	if !s.initialized {
		return adapter.ErrNotInitialized
	}
	return nil
}

func (s *Simulator) junction(id string) *junction {
	for _, j := range s.junctions {
		if j.spec.ID == id {
			return j
		}
	}
	return nil
}
