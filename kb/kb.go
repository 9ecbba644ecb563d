package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/model"
)

var (
	// ErrIntersectionExists indicates an intersection ID is already registered.
	ErrIntersectionExists = errors.New("intersection already exists")
	// ErrIntersectionNotFound indicates a requested intersection is unknown.
	ErrIntersectionNotFound = errors.New("intersection not found")
	// ErrLaneExists indicates a lane is already owned by an intersection.
	ErrLaneExists = errors.New("lane already registered")
	// ErrInvalidTopology indicates an intersection definition is inconsistent.
	ErrInvalidTopology = errors.New("invalid topology")
)

// KnowledgeBase is an in-memory, thread-safe store of the static road
// topology: intersections, the lanes they own, and their signal phases.
// Dynamic state (current phase, queues) lives in snapshots, not here.
type KnowledgeBase struct {
	mu sync.RWMutex

	intersections map[string]*model.IntersectionSpec
	laneOwner     map[string]string
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		intersections: make(map[string]*model.IntersectionSpec),
		laneOwner:     make(map[string]string),
	}
}

// FromScenario builds a KB holding every intersection of the scenario.
func FromScenario(sc model.Scenario) (*KnowledgeBase, error) {
	k := NewKnowledgeBase()
	for _, spec := range sc.Intersections {
		if err := k.AddIntersection(spec); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// AddIntersection registers an intersection and its lanes. It fails if
// the ID or any lane is already known, or the definition is inconsistent.
func (kb *KnowledgeBase) AddIntersection(spec model.IntersectionSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.intersections[spec.ID]; exists {
		return fmt.Errorf("%w: %q", ErrIntersectionExists, spec.ID)
	}
	for _, l := range spec.Lanes {
		if owner, ok := kb.laneOwner[l.ID]; ok {
			return fmt.Errorf("%w: lane %q belongs to %q", ErrLaneExists, l.ID, owner)
		}
	}

	cp := cloneSpec(spec)
	kb.intersections[spec.ID] = &cp
	for _, l := range spec.Lanes {
		kb.laneOwner[l.ID] = spec.ID
	}
	return nil
}

// Intersection returns a copy of the intersection definition.
func (kb *KnowledgeBase) Intersection(id string) (model.IntersectionSpec, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	spec, ok := kb.intersections[id]
	if !ok {
		return model.IntersectionSpec{}, false
	}
	return cloneSpec(*spec), true
}

// Phase looks up a phase of an intersection.
func (kb *KnowledgeBase) Phase(intersectionID, phaseID string) (model.SignalPhase, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	spec, ok := kb.intersections[intersectionID]
	if !ok {
		return model.SignalPhase{}, fmt.Errorf("%w: %q", ErrIntersectionNotFound, intersectionID)
	}
	for _, p := range spec.Phases {
		if p.ID == phaseID {
			return p, nil
		}
	}
	return model.SignalPhase{}, fmt.Errorf("phase %q not defined for intersection %q", phaseID, intersectionID)
}

// LaneOwner returns the intersection a lane belongs to.
func (kb *KnowledgeBase) LaneOwner(laneID string) (string, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	id, ok := kb.laneOwner[laneID]
	return id, ok
}

// IntersectionIDs returns all intersection IDs in sorted order.
func (kb *KnowledgeBase) IntersectionIDs() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	ids := make([]string, 0, len(kb.intersections))
	for id := range kb.intersections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func validateSpec(spec model.IntersectionSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: intersection id is required", ErrInvalidTopology)
	}
	if len(spec.Phases) == 0 {
		return fmt.Errorf("%w: intersection %q has no phases", ErrInvalidTopology, spec.ID)
	}

	lanes := make(map[string]bool, len(spec.Lanes))
	for _, l := range spec.Lanes {
		if l.ID == "" {
			return fmt.Errorf("%w: intersection %q has a lane without id", ErrInvalidTopology, spec.ID)
		}
		if lanes[l.ID] {
			return fmt.Errorf("%w: duplicate lane %q", ErrInvalidTopology, l.ID)
		}
		lanes[l.ID] = true
	}

	phases := make(map[string]bool, len(spec.Phases))
	for _, p := range spec.Phases {
		if p.ID == "" {
			return fmt.Errorf("%w: intersection %q has a phase without id", ErrInvalidTopology, spec.ID)
		}
		if phases[p.ID] {
			return fmt.Errorf("%w: duplicate phase %q", ErrInvalidTopology, p.ID)
		}
		phases[p.ID] = true
		if p.MinGreen < 0 || p.MaxGreen < 0 {
			return fmt.Errorf("%w: phase %q has negative green bounds", ErrInvalidTopology, p.ID)
		}
		if p.MaxGreen > 0 && p.MaxGreen < p.MinGreen {
			return fmt.Errorf("%w: phase %q max green %d below min green %d", ErrInvalidTopology, p.ID, p.MaxGreen, p.MinGreen)
		}
		for _, m := range p.Movements {
			if !lanes[m.FromLane] {
				return fmt.Errorf("%w: phase %q references unknown lane %q", ErrInvalidTopology, p.ID, m.FromLane)
			}
		}
	}
	if initial := spec.InitialPhaseID(); !phases[initial] {
		return fmt.Errorf("%w: initial phase %q not defined", ErrInvalidTopology, initial)
	}
	return nil
}

func cloneSpec(spec model.IntersectionSpec) model.IntersectionSpec {
	out := spec
	out.Lanes = append([]model.LaneSpec(nil), spec.Lanes...)
	out.Phases = make([]model.SignalPhase, len(spec.Phases))
	for i, p := range spec.Phases {
		p.Movements = append([]model.Movement(nil), p.Movements...)
		out.Phases[i] = p
	}
	return out
}
