package gateway

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/queuesim"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

type transition struct{ from, to string }

type recordingMetrics struct {
	noopMetrics
	mu          sync.Mutex
	transitions []transition
	rejections  []string
	late        int
}

func (r *recordingMetrics) EpisodeTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from, to})
}

func (r *recordingMetrics) IncAdmissionRejection(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, reason)
}

func (r *recordingMetrics) IncLateDecision(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.late++
}

func (r *recordingMetrics) snapshot() ([]transition, []string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...), append([]string(nil), r.rejections...), r.late
}

// collectingArchive follows every log to the end.
type collectingArchive struct {
	mu      sync.Mutex
	entries map[string][]eventlog.Entry
}

func (a *collectingArchive) Follow(ctx context.Context, log *eventlog.Log) error {
	cur := log.Cursor(0)
	for {
		e, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.entries[log.EpisodeID()] = append(a.entries[log.EpisodeID()], e)
		a.mu.Unlock()
	}
}

func newManager(t *testing.T, factory adapter.Factory, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(factory, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func mustCreate(t *testing.T, m *Manager, cfg config.ExperimentConfig) {
	t.Helper()
	if _, err := m.CreateExperiment(cfg); err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
}

func mustStart(t *testing.T, m *Manager, expID string) *Episode {
	t.Helper()
	ep, err := m.StartEpisode(context.Background(), expID)
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	return ep
}

func TestManagerEpisodeRoundTrip(t *testing.T) {
	metrics := &recordingMetrics{}
	m := newManager(t, queuesim.Factory(), WithMetrics(metrics))
	mustCreate(t, m, experiment("grid"))
	ep := mustStart(t, m, "grid")
	ctx := context.Background()

	if ep.ID() != "grid-ep0" {
		t.Fatalf("episode id = %q", ep.ID())
	}
	snap, step, err := m.State(ctx, ep.ID())
	if err != nil || step != 0 || snap.Step != 0 {
		t.Fatalf("State = %v@%d, %v", snap, step, err)
	}

	h := m.Hub()
	notes, cancel := h.Subscribe(ep.ID())
	defer cancel()

	r, err := m.SubmitAction(ctx, ep.ID(), setPhase("A", "EW", 0))
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	next, err := m.Advance(ctx, ep.ID())
	if err != nil || next != 1 {
		t.Fatalf("Advance = %d, %v", next, err)
	}
	if outcome, applied, _ := r.Wait(ctx); outcome != ReceiptApplied || applied != 1 {
		t.Fatalf("receipt = %s@%d", outcome, applied)
	}

	select {
	case n := <-notes:
		if n.Step != 1 || n.Terminal || n.Metrics == nil {
			t.Fatalf("notification = %+v", n)
		}
	default:
		t.Fatal("no notification after the step advanced")
	}

	info, err := m.EpisodeStatus(ctx, ep.ID())
	if err != nil {
		t.Fatalf("EpisodeStatus: %v", err)
	}
	if info.Status != model.EpisodeRunning || info.OpenStep != 1 || info.EndStep != -1 || info.Seed != 7 {
		t.Fatalf("info = %+v", info)
	}

	entries := ep.Log().Entries(0)
	if entries[0].Kind != eventlog.KindEpisodeStarted || entries[0].Payload.Seed != 7 {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if got, _, _ := metrics.snapshot(); !reflect.DeepEqual(got, []transition{{"", "running"}}) {
		t.Fatalf("transitions = %v", got)
	}
}

func TestManagerLookupErrors(t *testing.T) {
	m := newManager(t, queuesim.Factory())
	ctx := context.Background()

	if _, err := m.StartEpisode(ctx, "nope"); !errors.Is(err, ErrExperimentNotFound) {
		t.Fatalf("StartEpisode unknown experiment: %v", err)
	}
	if _, _, err := m.State(ctx, "nope-ep0"); !errors.Is(err, ErrEpisodeNotFound) {
		t.Fatalf("State unknown episode: %v", err)
	}
	if err := m.CloseExperiment(ctx, "nope"); !errors.Is(err, ErrExperimentNotFound) {
		t.Fatalf("CloseExperiment unknown: %v", err)
	}

	mustCreate(t, m, experiment("grid"))
	if _, err := m.CreateExperiment(experiment("grid")); !errors.Is(err, ErrExperimentExists) {
		t.Fatalf("duplicate experiment: %v", err)
	}
	bad := experiment("bad")
	bad.Scenario = nil
	if _, err := m.CreateExperiment(bad); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("invalid experiment: %v", err)
	}
}

func TestManagerOneRunningEpisodePerExperiment(t *testing.T) {
	m := newManager(t, queuesim.Factory())
	cfg := experiment("grid")
	cfg.Horizon = 2
	cfg.Episodes = 2
	cfg.SeedPolicy = config.SeedIncrement
	mustCreate(t, m, cfg)
	ctx := context.Background()

	ep0 := mustStart(t, m, "grid")
	if _, err := m.StartEpisode(ctx, "grid"); !errors.Is(err, ErrEpisodeRunning) {
		t.Fatalf("second concurrent episode: %v", err)
	}
	for range 2 {
		if _, err := ep0.Advance(ctx); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if info := ep0.Info(); info.Status != model.EpisodeCompleted || info.EndStep != 2 || info.Reason != ReasonHorizonReached {
		t.Fatalf("ep0 = %+v", info)
	}

	ep1 := mustStart(t, m, "grid")
	if ep1.ID() != "grid-ep1" || ep1.Info().Seed != 8 {
		t.Fatalf("ep1 = %+v", ep1.Info())
	}
	for range 2 {
		if _, err := ep1.Advance(ctx); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if _, err := m.StartEpisode(ctx, "grid"); !errors.Is(err, ErrEpisodeLimit) {
		t.Fatalf("episode beyond limit: %v", err)
	}

	info, err := m.Experiment("grid")
	if err != nil || len(info.Episodes) != 2 {
		t.Fatalf("Experiment = %+v, %v", info, err)
	}
}

func TestManagerSimulatorFailureEndsEpisode(t *testing.T) {
	metrics := &recordingMetrics{}
	factory := func() adapter.Simulator {
		inj := adapter.NewFaultInjector(queuesim.New())
		inj.FailAdvanceAt = 10
		return inj
	}
	m := newManager(t, factory, WithMetrics(metrics))
	mustCreate(t, m, experiment("grid"))
	ep := mustStart(t, m, "grid")
	ctx := context.Background()

	notes, cancel := m.Hub().Subscribe("")
	defer cancel()

	for range 10 {
		if _, err := m.Advance(ctx, ep.ID()); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	_, err := m.Advance(ctx, ep.ID())
	if !errors.Is(err, ErrSimulatorFailure) {
		t.Fatalf("advance past step 10: %v", err)
	}

	info := ep.Info()
	if info.Status != model.EpisodeFailed || info.EndStep != 10 {
		t.Fatalf("info = %+v", info)
	}
	if _, err := m.Advance(ctx, ep.ID()); !errors.Is(err, ErrEpisodeTerminated) {
		t.Fatalf("advance after failure: %v", err)
	}
	if ep.Log().Step() != 10 {
		t.Fatalf("log step = %d, want 10", ep.Log().Step())
	}
	entries := ep.Log().Entries(0)
	last := entries[len(entries)-1]
	if last.Kind != eventlog.KindEpisodeEnded || last.Payload.Status != model.EpisodeFailed {
		t.Fatalf("last entry = %+v", last)
	}
	if len(kinds(entries, eventlog.KindSimulatorFailure)) != 1 {
		t.Fatal("SimulatorFailure not logged")
	}

	var terminal *Notification
	for len(notes) > 0 {
		n := <-notes
		if n.Terminal {
			terminal = &n
		}
	}
	if terminal == nil || terminal.Status != model.EpisodeFailed || terminal.Step != 10 {
		t.Fatalf("terminal notification = %+v", terminal)
	}
	transitions, _, _ := metrics.snapshot()
	if want := []transition{{"", "running"}, {"running", "failed"}}; !reflect.DeepEqual(transitions, want) {
		t.Fatalf("transitions = %v", transitions)
	}

	// The experiment can move on to its next episode.
	next := mustStart(t, m, "grid")
	if next.Status() != model.EpisodeRunning {
		t.Fatalf("next episode status = %s", next.Status())
	}
}

// parkedInitSim holds Initialize until release is closed and notes
// whether Close ran before Initialize returned.
type parkedInitSim struct {
	*queuesim.Simulator
	entered     chan struct{}
	release     chan struct{}
	initDone    atomic.Bool
	closed      atomic.Bool
	closedEarly atomic.Bool
}

func newParkedInitSim() *parkedInitSim {
	return &parkedInitSim{
		Simulator: queuesim.New(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (p *parkedInitSim) Initialize(ctx context.Context, sc model.Scenario, seed int64) error {
	close(p.entered)
	<-p.release
	defer p.initDone.Store(true)
	return p.Simulator.Initialize(ctx, sc, seed)
}

func (p *parkedInitSim) Close() error {
	p.closedEarly.Store(!p.initDone.Load())
	p.closed.Store(true)
	return p.Simulator.Close()
}

func TestManagerCloseExperimentWhileEpisodeStarts(t *testing.T) {
	sim := newParkedInitSim()
	m := newManager(t, func() adapter.Simulator { return sim })
	cfg := experiment("grid")
	cfg.LateDecision = config.LateDecisionConfig{Deadline: time.Hour, Policy: config.LateSoft}
	mustCreate(t, m, cfg)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() {
		_, err := m.StartEpisode(ctx, "grid")
		started <- err
	}()
	<-sim.entered

	closed := make(chan error, 1)
	go func() { closed <- m.CloseExperiment(ctx, "grid") }()

	select {
	case err := <-closed:
		t.Fatalf("CloseExperiment returned while the simulator was initialising: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	ep, err := m.Episode("grid-ep0")
	if err != nil {
		t.Fatalf("Episode: %v", err)
	}
	if ep.Status().Terminal() {
		t.Fatalf("status = %s before initialisation finished", ep.Status())
	}

	close(sim.release)
	if err := <-started; err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("CloseExperiment: %v", err)
	}

	info := ep.Info()
	if info.Status != model.EpisodeTruncated || info.Reason != ReasonExperimentClosed {
		t.Fatalf("info = %+v", info)
	}
	if _, err := m.Advance(ctx, ep.ID()); !errors.Is(err, ErrEpisodeTerminated) {
		t.Fatalf("advance after close: %v", err)
	}
	if _, err := m.SubmitAction(ctx, ep.ID(), setPhase("A", "EW", 0)); !errors.Is(err, ErrEpisodeTerminated) {
		t.Fatalf("submit after close: %v", err)
	}
	if !sim.closed.Load() || sim.closedEarly.Load() {
		t.Fatalf("simulator closed=%v early=%v", sim.closed.Load(), sim.closedEarly.Load())
	}
	entries := ep.Log().Entries(0)
	if n := len(kinds(entries, eventlog.KindEpisodeEnded)); n != 1 {
		t.Fatalf("%d EpisodeEnded entries, want 1", n)
	}

	// The watchdog must have exited so Close does not hang.
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestManagerSoftDeadlineHoldsPhases(t *testing.T) {
	clock := timectrl.NewFakeClock(time.Unix(1700000000, 0))
	metrics := &recordingMetrics{}
	m := newManager(t, queuesim.Factory(), WithClock(clock), WithMetrics(metrics))
	cfg := experiment("grid")
	cfg.LateDecision = config.LateDecisionConfig{Deadline: time.Second, Policy: config.LateSoft}
	mustCreate(t, m, cfg)
	ep := mustStart(t, m, "grid")
	ctx := context.Background()

	delays := func() int { return len(kinds(ep.Log().Entries(0), eventlog.KindDelayEvent)) }
	for i := range 3 {
		clock.WaitForWaiters(1)
		clock.Advance(time.Second)
		eventually(t, "delay event", func() bool { return delays() == i+1 })
		if _, err := m.Advance(ctx, ep.ID()); err != nil {
			t.Fatalf("Advance %d: %v", i, err)
		}
	}

	if got := delays(); got != 3 {
		t.Fatalf("%d DelayEvents, want 3", got)
	}
	for _, e := range kinds(ep.Log().Entries(0), eventlog.KindDelayEvent) {
		if !reflect.DeepEqual(e.Payload.Intersections, []string{"A", "B"}) || e.Payload.Policy != string(config.LateSoft) {
			t.Fatalf("delay event = %+v", e.Payload)
		}
	}
	snap, step, err := m.State(ctx, ep.ID())
	if err != nil || step != 3 {
		t.Fatalf("State = %d, %v", step, err)
	}
	for _, id := range []string{"A", "B"} {
		if in := phaseOf(t, snap, id); in.CurrentPhase != "EW" || in.PhaseEntryStep != 0 {
			t.Fatalf("%s = %s since %d, want held EW", id, in.CurrentPhase, in.PhaseEntryStep)
		}
	}
	if ep.Status() != model.EpisodeRunning {
		t.Fatalf("status = %s, want running", ep.Status())
	}
	if _, _, late := metrics.snapshot(); late != 3 {
		t.Fatalf("late decisions recorded = %d", late)
	}
}

func TestManagerTruncatesAfterTolerance(t *testing.T) {
	clock := timectrl.NewFakeClock(time.Unix(1700000000, 0))
	m := newManager(t, queuesim.Factory(), WithClock(clock))
	cfg := experiment("grid")
	cfg.LateDecision = config.LateDecisionConfig{
		Deadline:    500 * time.Millisecond,
		Policy:      config.LateTruncate,
		Tolerance:   1,
		AutoAdvance: true,
	}
	mustCreate(t, m, cfg)
	ep := mustStart(t, m, "grid")

	for range 2 {
		clock.WaitForWaiters(1)
		clock.Advance(500 * time.Millisecond)
	}
	eventually(t, "truncation", func() bool { return ep.Status() == model.EpisodeTruncated })

	info := ep.Info()
	if info.Reason != ReasonLateDecision || info.EndStep != 1 {
		t.Fatalf("info = %+v", info)
	}
	_, err := m.SubmitAction(context.Background(), ep.ID(), setPhase("A", "EW", 1))
	if !errors.Is(err, ErrEpisodeTerminated) {
		t.Fatalf("submit after truncation: %v", err)
	}
}

func TestManagerOverloadDuringAdvance(t *testing.T) {
	sim := newBlockingSim()
	metrics := &recordingMetrics{}
	m := newManager(t, func() adapter.Simulator { return sim }, WithMetrics(metrics))
	cfg := experiment("grid")
	cfg.Admission.AdvanceQueueBound = 2
	cfg.Admission.AdvanceWait = time.Minute
	mustCreate(t, m, cfg)
	ep := mustStart(t, m, "grid")
	ctx := context.Background()

	advanced := make(chan error, 1)
	go func() {
		_, err := m.Advance(ctx, ep.ID())
		advanced <- err
	}()
	<-sim.entered

	type read struct {
		step int64
		err  error
	}
	reads := make(chan read, 5)
	for range 5 {
		go func() {
			_, step, err := m.State(ctx, ep.ID())
			reads <- read{step, err}
		}()
	}
	for range 3 {
		r := <-reads
		requireRejection(t, r.err, KindOverload, ReasonAdvanceQueueFull)
	}
	eventually(t, "queued reads", func() bool { return ep.admission.Waiting() == 2 })

	close(sim.release)
	if err := <-advanced; err != nil {
		t.Fatalf("Advance: %v", err)
	}
	for range 2 {
		r := <-reads
		if r.err != nil || r.step != 1 {
			t.Fatalf("queued read = %d, %v", r.step, r.err)
		}
	}

	overloads := kinds(ep.Log().Entries(0), eventlog.KindOverload)
	if len(overloads) != 3 {
		t.Fatalf("%d Overload entries, want 3", len(overloads))
	}
	for _, e := range overloads {
		if e.Payload.Request != string(ClassRead) || e.Payload.RetryAfter <= 0 {
			t.Fatalf("overload entry = %+v", e.Payload)
		}
	}
	if _, rejections, _ := metrics.snapshot(); len(rejections) != 3 {
		t.Fatalf("admission rejections recorded = %v", rejections)
	}
}

func TestManagerCloseExperimentTruncatesAndArchives(t *testing.T) {
	archive := &collectingArchive{entries: make(map[string][]eventlog.Entry)}
	m := NewManager(queuesim.Factory(), WithArchive(archive))
	mustCreate(t, m, experiment("grid"))
	ep := mustStart(t, m, "grid")
	ctx := context.Background()

	r, err := m.SubmitAction(ctx, ep.ID(), setPhase("B", "EW", 0))
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	if err := m.CloseExperiment(ctx, "grid"); err != nil {
		t.Fatalf("CloseExperiment: %v", err)
	}
	if outcome, _, _ := r.Wait(ctx); outcome != ReceiptDiscarded {
		t.Fatalf("pending action outcome = %s", outcome)
	}
	info := ep.Info()
	if info.Status != model.EpisodeTruncated || info.Reason != ReasonExperimentClosed {
		t.Fatalf("info = %+v", info)
	}
	if !ep.Log().Sealed() {
		t.Fatal("log not sealed")
	}
	if _, err := m.StartEpisode(ctx, "grid"); !errors.Is(err, ErrExperimentClosed) {
		t.Fatalf("start after close: %v", err)
	}
	// Logs stay readable after close.
	if _, _, err := m.State(ctx, ep.ID()); err != nil {
		t.Fatalf("State after close: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	archive.mu.Lock()
	got := len(archive.entries[ep.ID()])
	archive.mu.Unlock()
	if got != ep.Log().Len() {
		t.Fatalf("archived %d of %d entries", got, ep.Log().Len())
	}
}

func TestManagerExperimentsSorted(t *testing.T) {
	m := newManager(t, queuesim.Factory())
	for _, id := range []string{"zeta", "alpha", "mid"} {
		mustCreate(t, m, experiment(id))
	}
	var ids []string
	for _, info := range m.Experiments() {
		ids = append(ids, info.ID)
	}
	if !reflect.DeepEqual(ids, []string{"alpha", "mid", "zeta"}) {
		t.Fatalf("ids = %v", ids)
	}
}
