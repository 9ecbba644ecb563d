package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/snapshot"
	"github.com/signalsfoundry/traffic-gateway/kb"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// FallbackAgentID marks actions the gateway substituted for a missing
// decision.
const FallbackAgentID = "gateway-fallback"

const tracerName = "github.com/signalsfoundry/traffic-gateway/internal/gateway"

type syncState int

const (
	stateIdle syncState = iota
	stateStarting
	stateOpen
	stateAdvancing
	stateTerminal
)

func (s syncState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateOpen:
		return "step-open"
	case stateAdvancing:
		return "advancing"
	default:
		return "terminal"
	}
}

// ReceiptOutcome is how an accepted action left the pending set.
type ReceiptOutcome string

const (
	ReceiptApplied    ReceiptOutcome = "applied"
	ReceiptWithdrawn  ReceiptOutcome = "withdrawn"
	ReceiptDiscarded  ReceiptOutcome = "discarded"
	ReceiptSuperseded ReceiptOutcome = "superseded"
)

// Receipt tracks one accepted action until it is applied or dropped.
type Receipt struct {
	Action model.ControlAction

	once    sync.Once
	done    chan struct{}
	outcome ReceiptOutcome
	step    int64
}

func newReceipt(a model.ControlAction) *Receipt {
	return &Receipt{Action: a, done: make(chan struct{})}
}

func (r *Receipt) resolve(o ReceiptOutcome, step int64) {
	r.once.Do(func() {
		r.outcome = o
		r.step = step
		close(r.done)
	})
}

// Done is closed once the receipt is resolved.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Wait blocks until the action was applied or dropped. For applied
// actions step is the step whose snapshot first reflects the action.
func (r *Receipt) Wait(ctx context.Context) (outcome ReceiptOutcome, step int64, err error) {
	select {
	case <-r.done:
		return r.outcome, r.step, nil
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

type pendingAction struct {
	action   model.ControlAction
	receipt  *Receipt
	fallback bool
}

// LateOutcome reports what a missed decision deadline caused.
type LateOutcome struct {
	Step      int64
	Missing   []string
	Advanced  bool
	NewStep   int64
	Truncated bool
}

// SynchronizerOptions wires a Synchronizer.
type SynchronizerOptions struct {
	ExperimentID string
	EpisodeID    string
	Simulator    adapter.Simulator
	Topology     *kb.KnowledgeBase
	Log          *eventlog.Log
	// Horizon is the step at which the episode completes; zero runs
	// until terminated.
	Horizon int64
	Metrics Metrics
	Logger  logging.Logger
	Clock   timectrl.Clock
	// OnTerminal runs once, outside all locks, when the synchronizer
	// itself ends the episode as completed or truncated. Simulator
	// failures are announced through the log instead.
	OnTerminal func(status model.EpisodeStatus, reason string)
}

// Synchronizer is the single owner of an episode's simulator. It keeps
// one step open at a time and makes applying pending actions, advancing
// the simulator and publishing the next snapshot one exclusive
// transition.
type Synchronizer struct {
	experimentID string
	episodeID    string
	sim          *adapter.Guard
	cache        *snapshot.Cache
	log          *eventlog.Log
	topology     *kb.KnowledgeBase
	validator    *Validator
	horizon      int64
	metrics      Metrics
	logger       logging.Logger
	clock        timectrl.Clock
	tracer       trace.Tracer
	onTerminal   func(model.EpisodeStatus, string)

	mu       sync.Mutex
	state    syncState
	status   model.EpisodeStatus
	reason   string
	openStep int64
	pending  map[string]*pendingAction
	// extended maps an intersection to the last step covered by an
	// applied extension.
	extended   map[string]int64
	lateStreak int
	// stepClosed is closed when the open step closes, either by a
	// completed advance or by termination.
	stepClosed chan struct{}
	// started is closed when Start returns.
	started chan struct{}
}

// NewSynchronizer returns an idle synchronizer. Start initialises the
// simulator and opens step 0.
func NewSynchronizer(opts SynchronizerOptions) *Synchronizer {
	guard, ok := opts.Simulator.(*adapter.Guard)
	if !ok {
		guard = adapter.NewGuard(opts.Simulator)
	}
	s := &Synchronizer{
		experimentID: opts.ExperimentID,
		episodeID:    opts.EpisodeID,
		sim:          guard,
		cache:        &snapshot.Cache{},
		log:          opts.Log,
		topology:     opts.Topology,
		validator:    NewValidator(opts.Topology),
		horizon:      opts.Horizon,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		clock:        opts.Clock,
		tracer:       observability.Tracer(tracerName),
		onTerminal:   opts.OnTerminal,
		pending:      make(map[string]*pendingAction),
		extended:     make(map[string]int64),
		stepClosed:   make(chan struct{}),
		started:      make(chan struct{}),
	}
	if s.log == nil {
		s.log = eventlog.New(opts.ExperimentID, opts.EpisodeID)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = logging.Noop()
	}
	if s.clock == nil {
		s.clock = timectrl.Real()
	}
	return s
}

// Start initialises the simulator and publishes the step-0 snapshot.
// Terminate waits for Start to return, so the simulator is never closed
// while it initialises.
func (s *Synchronizer) Start(ctx context.Context, scenario model.Scenario, seed int64) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return errors.New("synchronizer already started")
	}
	s.state = stateStarting
	s.mu.Unlock()
	defer close(s.started)

	if err := s.sim.Initialize(ctx, scenario, seed); err != nil {
		return s.fail(err, nil)
	}
	snap, err := s.sim.QueryState(ctx)
	if err != nil {
		return s.fail(err, nil)
	}
	if snap.Step != 0 {
		return s.fail(fmt.Errorf("%w: initial snapshot tagged step %d", adapter.ErrSimulatorFailure, snap.Step), nil)
	}
	if err := s.cache.Publish(snap); err != nil {
		return s.fail(err, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStarting {
		return reject(KindEpisodeTerminated, ReasonEpisodeTerminated, s.openStep, "episode is %s", s.status)
	}
	s.state = stateOpen
	s.status = model.EpisodeRunning
	s.openStep = 0
	return nil
}

// Latest returns the published snapshot and its step without waiting.
func (s *Synchronizer) Latest() (*model.StateSnapshot, int64) {
	return s.cache.Latest()
}

// Status returns the lifecycle status and the reason it became terminal.
func (s *Synchronizer) Status() (model.EpisodeStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.reason
}

// OpenStep returns the open step and a channel closed when it closes.
// terminal is set once no step will open again.
func (s *Synchronizer) OpenStep() (step int64, closed <-chan struct{}, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openStep, s.stepClosed, s.state == stateTerminal
}

// Advancing reports whether a step transition is in flight and returns
// a channel closed when the open step closes.
func (s *Synchronizer) Advancing() (bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAdvancing, s.stepClosed
}

// Submit validates a and adds it to the open step's pending set. Every
// rejection is logged.
func (s *Synchronizer) Submit(_ context.Context, a model.ControlAction) (*Receipt, error) {
	s.mu.Lock()
	var rej *Rejection
	switch s.state {
	case stateTerminal:
		rej = reject(KindEpisodeTerminated, ReasonEpisodeTerminated, s.openStep, "episode is %s", s.status)
	case stateAdvancing, stateIdle, stateStarting:
		rej = reject(KindStepInProgress, ReasonStepInProgress, s.openStep, "step %d is not accepting actions", s.openStep)
	}
	if rej == nil {
		snap, _ := s.cache.Latest()
		if err := s.validator.Validate(a, snap, s.openStep); err != nil {
			rej, _ = AsRejection(err)
		}
	}
	existing := s.pending[a.IntersectionID]
	if rej == nil && existing != nil && !existing.fallback {
		rej = reject(KindInvalidAction, ReasonDuplicateAction, s.openStep,
			"intersection %q already has action %s for step %d", a.IntersectionID, existing.action.ID, s.openStep)
	}
	if rej != nil {
		s.recordRejectionLocked(a, rej)
		s.mu.Unlock()
		return nil, rej
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = s.clock.Now()
	}
	r := newReceipt(a)
	s.pending[a.IntersectionID] = &pendingAction{action: a, receipt: r}
	accepted := a
	_, _ = s.log.Append(eventlog.KindActionAccepted, eventlog.Payload{Action: &accepted})
	s.metrics.IncAction(OutcomeAccepted, "")
	step := s.openStep
	s.mu.Unlock()

	if existing != nil {
		existing.receipt.resolve(ReceiptSuperseded, step)
	}
	return r, nil
}

func (s *Synchronizer) recordRejectionLocked(a model.ControlAction, rej *Rejection) {
	_, _ = s.log.Append(eventlog.KindActionRejected, eventlog.Payload{
		Action: &a,
		Reason: rej.Reason,
		Detail: rej.Detail,
	})
	s.metrics.IncAction(OutcomeRejected, rej.Reason)
}

// Withdraw removes a still-pending action. Once the step is advancing
// its actions can no longer be withdrawn.
func (s *Synchronizer) Withdraw(_ context.Context, actionID string) error {
	s.mu.Lock()
	switch s.state {
	case stateTerminal:
		step := s.openStep
		s.mu.Unlock()
		return reject(KindEpisodeTerminated, ReasonEpisodeTerminated, step, "episode is terminal")
	case stateAdvancing, stateIdle, stateStarting:
		step := s.openStep
		s.mu.Unlock()
		return reject(KindStepInProgress, ReasonActionNotPending, step, "step %d is advancing; action %s can no longer be withdrawn", step, actionID)
	}

	var found *pendingAction
	for _, p := range s.pending {
		if p.action.ID == actionID && !p.fallback {
			found = p
			break
		}
	}
	if found == nil {
		step := s.openStep
		s.mu.Unlock()
		return reject(KindInvalidAction, ReasonActionNotPending, step, "action %s is not pending", actionID)
	}
	delete(s.pending, found.action.IntersectionID)
	withdrawn := found.action
	_, _ = s.log.Append(eventlog.KindActionWithdrawn, eventlog.Payload{Action: &withdrawn})
	s.metrics.IncAction(OutcomeWithdrawn, "")
	step := s.openStep
	s.mu.Unlock()

	found.receipt.resolve(ReceiptWithdrawn, step)
	return nil
}

// Advance applies the pending actions, moves the simulator one step and
// publishes the new snapshot. Only one caller can be advancing; others
// get a StepInProgress rejection immediately.
func (s *Synchronizer) Advance(ctx context.Context) (int64, error) {
	s.mu.Lock()
	step, batch, err := s.beginAdvanceLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.finishAdvance(ctx, step, batch)
}

func (s *Synchronizer) beginAdvanceLocked() (int64, []*pendingAction, error) {
	switch s.state {
	case stateTerminal:
		return 0, nil, reject(KindEpisodeTerminated, ReasonEpisodeTerminated, s.openStep, "episode is %s", s.status)
	case stateAdvancing, stateIdle, stateStarting:
		return 0, nil, reject(KindStepInProgress, ReasonStepInProgress, s.openStep, "step %d is already advancing", s.openStep)
	}
	s.state = stateAdvancing
	batch := make([]*pendingAction, 0, len(s.pending))
	for _, p := range s.pending {
		batch = append(batch, p)
	}
	// Map order is random; the simulator must see a stable order for
	// replays to match.
	slices.SortFunc(batch, func(a, b *pendingAction) int {
		switch {
		case a.action.IntersectionID < b.action.IntersectionID:
			return -1
		case a.action.IntersectionID > b.action.IntersectionID:
			return 1
		}
		return 0
	})
	s.pending = make(map[string]*pendingAction)
	return s.openStep, batch, nil
}

func (s *Synchronizer) finishAdvance(ctx context.Context, n int64, batch []*pendingAction) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.Advance", trace.WithAttributes(
		attribute.String("experiment.id", s.experimentID),
		attribute.String("episode.id", s.episodeID),
		attribute.Int64("step", n),
		attribute.Int("actions", len(batch)),
	))
	defer span.End()

	// A caller giving up must not leave the simulator half-stepped.
	simCtx := context.WithoutCancel(ctx)
	start := time.Now()

	actions := make([]model.ControlAction, len(batch))
	fallback := false
	for i, p := range batch {
		actions[i] = p.action
		fallback = fallback || p.fallback
	}

	if err := s.sim.ApplyActions(simCtx, actions); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, s.fail(err, batch)
	}
	if err := s.sim.AdvanceOneStep(simCtx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, s.fail(err, batch)
	}
	snap, err := s.sim.QueryState(simCtx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, s.fail(err, batch)
	}
	if snap.Step != n+1 {
		err := fmt.Errorf("%w: simulator reported step %d after advancing from %d", adapter.ErrSimulatorFailure, snap.Step, n)
		span.SetStatus(codes.Error, err.Error())
		return 0, s.fail(err, batch)
	}
	if err := s.cache.Publish(snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, s.fail(err, batch)
	}
	if _, err := s.log.AdvanceStep(n+1, eventlog.StepPayload(snap, actions)); err != nil {
		s.logger.Warn(ctx, "step not recorded in event log",
			logging.Int64("step", n+1),
			logging.Err(err),
		)
	}

	s.mu.Lock()
	s.openStep = n + 1
	for _, p := range batch {
		switch p.action.Kind {
		case model.ActionExtend:
			s.extended[p.action.IntersectionID] = n + p.action.ExtendSteps
		case model.ActionSetPhase:
			// A fresh phase decision ends whatever an earlier extension covered.
			delete(s.extended, p.action.IntersectionID)
		}
	}
	if !fallback {
		s.lateStreak = 0
	}
	closed := s.stepClosed
	completed := s.horizon > 0 && n+1 >= s.horizon
	if completed {
		s.state = stateTerminal
		s.status = model.EpisodeCompleted
		s.reason = ReasonHorizonReached
	} else {
		s.state = stateOpen
		s.stepClosed = make(chan struct{})
	}
	close(closed)
	s.mu.Unlock()

	for _, p := range batch {
		p.receipt.resolve(ReceiptApplied, n+1)
	}
	s.metrics.ObserveStep(time.Since(start))
	s.logger.Debug(ctx, "step advanced",
		logging.Int64("step", n+1),
		logging.Int("actions", len(actions)),
		logging.Int("queued", snap.Metrics.Queued),
	)
	if completed && s.onTerminal != nil {
		s.onTerminal(model.EpisodeCompleted, ReasonHorizonReached)
	}
	return n + 1, nil
}

// fail moves the episode to Failed, discards every pending action and
// announces the failure in the log.
func (s *Synchronizer) fail(cause error, inFlight []*pendingAction) error {
	s.mu.Lock()
	step := s.openStep
	if s.state == stateTerminal {
		s.mu.Unlock()
		return reject(KindEpisodeTerminated, ReasonEpisodeTerminated, step, "episode already terminal")
	}
	dropped := s.terminateLocked(model.EpisodeFailed, cause.Error())
	s.mu.Unlock()

	for _, p := range append(dropped, inFlight...) {
		p.receipt.resolve(ReceiptDiscarded, step)
	}
	s.logger.Error(context.Background(), "simulator failure; episode failed",
		logging.Int64("step", step),
		logging.Err(cause),
	)
	_, _ = s.log.Append(eventlog.KindSimulatorFailure, eventlog.Payload{
		Reason: ReasonSimulatorFailure,
		Detail: cause.Error(),
	})
	return &Rejection{Kind: KindSimulatorFailure, Reason: ReasonSimulatorFailure, Step: step, Detail: cause.Error()}
}

func (s *Synchronizer) terminateLocked(status model.EpisodeStatus, reason string) []*pendingAction {
	s.state = stateTerminal
	s.status = status
	s.reason = reason
	dropped := make([]*pendingAction, 0, len(s.pending))
	for _, p := range s.pending {
		dropped = append(dropped, p)
	}
	s.pending = make(map[string]*pendingAction)
	close(s.stepClosed)
	return dropped
}

// Terminate ends the episode with status, waiting for an in-flight
// advance to finish first. It reports false if the episode was already
// terminal.
func (s *Synchronizer) Terminate(status model.EpisodeStatus, reason string) bool {
	for {
		s.mu.Lock()
		switch s.state {
		case stateTerminal:
			s.mu.Unlock()
			return false
		case stateAdvancing:
			closed := s.stepClosed
			s.mu.Unlock()
			<-closed
			continue
		case stateStarting:
			s.mu.Unlock()
			<-s.started
			continue
		}
		step := s.openStep
		dropped := s.terminateLocked(status, reason)
		s.mu.Unlock()

		for _, p := range dropped {
			p.receipt.resolve(ReceiptDiscarded, step)
		}
		if s.onTerminal != nil {
			s.onTerminal(status, reason)
		}
		return true
	}
}

// ExpireDeadline handles a missed decision deadline for step. Every
// intersection without a pending action or a covering extension is
// logged in one DelayEvent and, unless the episode is truncated, given a
// hold action. With AutoAdvance the step is then advanced. It is a no-op
// if step is no longer open.
func (s *Synchronizer) ExpireDeadline(ctx context.Context, step int64, cfg config.LateDecisionConfig) (LateOutcome, error) {
	s.mu.Lock()
	if s.state != stateOpen || s.openStep != step {
		s.mu.Unlock()
		return LateOutcome{Step: step}, nil
	}
	out := LateOutcome{Step: step, Missing: s.missingLocked(step)}

	if len(out.Missing) > 0 {
		s.lateStreak++
		_, _ = s.log.Append(eventlog.KindDelayEvent, eventlog.Payload{
			Intersections: out.Missing,
			Policy:        string(cfg.Policy),
			Reason:        ReasonLateDecision,
			Detail:        fmt.Sprintf("%d consecutive late steps", s.lateStreak),
		})
		s.metrics.IncLateDecision(string(cfg.Policy))

		if cfg.Policy == config.LateTruncate && s.lateStreak > cfg.Tolerance {
			dropped := s.terminateLocked(model.EpisodeTruncated, ReasonLateDecision)
			s.mu.Unlock()
			for _, p := range dropped {
				p.receipt.resolve(ReceiptDiscarded, step)
			}
			s.logger.Warn(ctx, "episode truncated after late decisions",
				logging.Int64("step", step),
				logging.Int("tolerance", cfg.Tolerance),
			)
			if s.onTerminal != nil {
				s.onTerminal(model.EpisodeTruncated, ReasonLateDecision)
			}
			out.Truncated = true
			return out, nil
		}

		snap, _ := s.cache.Latest()
		for _, id := range out.Missing {
			hold := s.holdAction(id, snap, step)
			s.pending[id] = &pendingAction{action: hold, receipt: newReceipt(hold), fallback: true}
			s.metrics.IncAction(OutcomeSubstituted, "")
		}
	}

	if !cfg.AutoAdvance {
		s.mu.Unlock()
		return out, nil
	}
	n, batch, err := s.beginAdvanceLocked()
	s.mu.Unlock()
	if err != nil {
		return out, err
	}
	newStep, err := s.finishAdvance(ctx, n, batch)
	if err != nil {
		return out, err
	}
	out.Advanced = true
	out.NewStep = newStep
	return out, nil
}

func (s *Synchronizer) missingLocked(step int64) []string {
	var missing []string
	for _, id := range s.topology.IntersectionIDs() {
		if _, ok := s.pending[id]; ok {
			continue
		}
		if until, ok := s.extended[id]; ok && until >= step {
			continue
		}
		missing = append(missing, id)
	}
	return missing
}

func (s *Synchronizer) holdAction(intersectionID string, snap *model.StateSnapshot, step int64) model.ControlAction {
	phase := ""
	if snap != nil {
		if in, ok := snap.Intersection(intersectionID); ok {
			phase = in.CurrentPhase
		}
	}
	return model.ControlAction{
		ID:             uuid.NewString(),
		IntersectionID: intersectionID,
		Kind:           model.ActionSetPhase,
		PhaseID:        phase,
		AgentID:        FallbackAgentID,
		SubmittedAt:    s.clock.Now(),
		TargetStep:     step,
	}
}

// Close releases the simulator. It fails unless the episode is terminal.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != stateTerminal && state != stateIdle {
		return fmt.Errorf("close synchronizer in state %s", state)
	}
	return s.sim.Close()
}
