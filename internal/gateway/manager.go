// Package gateway coordinates agents and a stepped traffic simulator:
// it validates and admits control actions, serialises step advancement
// against reads and writes, and manages experiment and episode
// lifecycles including failure escalation and late decisions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/adapter"
	"github.com/signalsfoundry/traffic-gateway/kb"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// Archiver persists a live event log until it is sealed.
type Archiver interface {
	Follow(ctx context.Context, log *eventlog.Log) error
}

// Experiment is a configured, repeatable collection of episodes.
type Experiment struct {
	cfg      config.ExperimentConfig
	topology *kb.KnowledgeBase
	episodes []*Episode
	closed   bool
}

// ExperimentInfo is a read-only summary of an experiment.
type ExperimentInfo struct {
	ID           string
	Horizon      int64
	EpisodeLimit int
	Closed       bool
	Episodes     []model.EpisodeInfo
}

// Manager owns every hosted experiment. It is safe for concurrent use.
type Manager struct {
	factory adapter.Factory
	logger  logging.Logger
	metrics Metrics
	clock   timectrl.Clock
	archive Archiver
	hub     *Hub

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	experiments map[string]*Experiment
	episodes    map[string]*Episode
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithClock sets the clock for deadlines, admission and log timestamps.
func WithClock(c timectrl.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithArchive mirrors every episode log into a.
func WithArchive(a Archiver) Option {
	return func(m *Manager) { m.archive = a }
}

// WithHub shares a notification hub.
func WithHub(h *Hub) Option {
	return func(m *Manager) {
		if h != nil {
			m.hub = h
		}
	}
}

// NewManager returns a manager creating simulators with factory.
func NewManager(factory adapter.Factory, opts ...Option) *Manager {
	bg, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factory:     factory,
		logger:      logging.Noop(),
		metrics:     noopMetrics{},
		clock:       timectrl.Real(),
		hub:         NewHub(64),
		bg:          bg,
		cancel:      cancel,
		experiments: make(map[string]*Experiment),
		episodes:    make(map[string]*Episode),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Hub returns the notification hub.
func (m *Manager) Hub() *Hub { return m.hub }

// CreateExperiment registers an experiment. The configuration is
// defaulted and validated first.
func (m *Manager) CreateExperiment(cfg config.ExperimentConfig) (ExperimentInfo, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return ExperimentInfo{}, err
	}
	topology, err := kb.FromScenario(*cfg.Scenario)
	if err != nil {
		return ExperimentInfo{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[cfg.ID]; ok {
		return ExperimentInfo{}, fmt.Errorf("%w: %s", ErrExperimentExists, cfg.ID)
	}
	exp := &Experiment{cfg: cfg, topology: topology}
	m.experiments[cfg.ID] = exp
	m.logger.Info(context.Background(), "experiment created",
		logging.String("experiment_id", cfg.ID),
		logging.Int64("horizon", cfg.Horizon),
		logging.Int("episodes", cfg.Episodes),
		logging.String("late_policy", string(cfg.LateDecision.Policy)),
	)
	return exp.info(), nil
}

func (e *Experiment) info() ExperimentInfo {
	info := ExperimentInfo{
		ID:           e.cfg.ID,
		Horizon:      e.cfg.Horizon,
		EpisodeLimit: e.cfg.Episodes,
		Closed:       e.closed,
	}
	for _, ep := range e.episodes {
		info.Episodes = append(info.Episodes, ep.Info())
	}
	return info
}

// Experiment returns the summary of an experiment.
func (m *Manager) Experiment(id string) (ExperimentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[id]
	if !ok {
		return ExperimentInfo{}, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return exp.info(), nil
}

// Experiments lists every experiment ordered by id.
func (m *Manager) Experiments() []ExperimentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExperimentInfo, 0, len(m.experiments))
	for _, exp := range m.experiments {
		out = append(out, exp.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartEpisode begins the experiment's next episode. At most one episode
// of an experiment runs at a time, so exactly one step is open per
// experiment. If the simulator cannot be initialised the episode is
// returned already failed together with the error.
func (m *Manager) StartEpisode(ctx context.Context, experimentID string) (*Episode, error) {
	m.mu.Lock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExperimentClosed, experimentID)
	}
	if n := len(exp.episodes); n > 0 && !exp.episodes[n-1].Status().Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEpisodeRunning, exp.episodes[n-1].ID())
	}
	if len(exp.episodes) >= exp.cfg.Episodes {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d", ErrEpisodeLimit, len(exp.episodes), exp.cfg.Episodes)
	}

	cfg := exp.cfg
	index := len(exp.episodes)
	ep := m.newEpisode(exp, index)
	exp.episodes = append(exp.episodes, ep)
	m.episodes[ep.id] = ep
	m.mu.Unlock()

	ep.log.Subscribe(ep.observe)
	if m.archive != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.archive.Follow(m.bg, ep.log); err != nil && !errors.Is(err, context.Canceled) {
				ep.logger.Error(m.bg, "event archive stopped", logging.Err(err))
			}
		}()
	}

	_, _ = ep.log.Append(eventlog.KindEpisodeStarted, eventlog.Payload{Seed: ep.seed, Status: model.EpisodeRunning})
	m.metrics.EpisodeTransition("", string(model.EpisodeRunning))
	if err := ep.sync.Start(ctx, *cfg.Scenario, ep.seed); err != nil {
		return ep, err
	}

	if ep.watchdog != nil {
		m.wg.Add(1)
		ep.watchdog.start(m.bg, m.wg.Done)
	}
	ep.logger.Info(ctx, "episode started",
		logging.Int("index", index),
		logging.Int64("seed", ep.seed),
	)
	return ep, nil
}

func (m *Manager) newEpisode(exp *Experiment, index int) *Episode {
	cfg := exp.cfg
	id := fmt.Sprintf("%s-ep%d", cfg.ID, index)
	log := eventlog.New(cfg.ID, id, eventlog.WithClock(m.clock))
	ep := &Episode{
		id:           id,
		experimentID: cfg.ID,
		index:        index,
		seed:         cfg.SeedPolicy.SeedFor(cfg.Seed, index),
		admission:    NewAdmission(cfg.Admission, m.clock),
		log:          log,
		hub:          m.hub,
		metrics:      m.metrics,
		logger:       logging.ForEpisode(m.logger, cfg.ID, id),
	}
	ep.sync = NewSynchronizer(SynchronizerOptions{
		ExperimentID: cfg.ID,
		EpisodeID:    id,
		Simulator:    m.factory(),
		Topology:     exp.topology,
		Log:          log,
		Horizon:      cfg.Horizon,
		Metrics:      m.metrics,
		Logger:       ep.logger,
		Clock:        m.clock,
		OnTerminal:   func(model.EpisodeStatus, string) { ep.finish() },
	})
	if cfg.LateDecision.Deadline > 0 {
		ep.watchdog = newWatchdog(ep.sync, cfg.LateDecision, m.clock, ep.logger)
	}
	return ep
}

// Episode looks up an episode by id.
func (m *Manager) Episode(id string) (*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEpisodeNotFound, id)
	}
	return ep, nil
}

// State returns the latest snapshot of an episode and its step.
func (m *Manager) State(ctx context.Context, episodeID string) (*model.StateSnapshot, int64, error) {
	ep, err := m.Episode(episodeID)
	if err != nil {
		return nil, 0, err
	}
	return ep.State(ctx)
}

// SubmitAction offers an action to an episode's open step.
func (m *Manager) SubmitAction(ctx context.Context, episodeID string, a model.ControlAction) (*Receipt, error) {
	ep, err := m.Episode(episodeID)
	if err != nil {
		return nil, err
	}
	return ep.Submit(ctx, a)
}

// WithdrawAction cancels a still-pending action.
func (m *Manager) WithdrawAction(ctx context.Context, episodeID, actionID string) error {
	ep, err := m.Episode(episodeID)
	if err != nil {
		return err
	}
	return ep.Withdraw(ctx, actionID)
}

// Advance closes an episode's open step.
func (m *Manager) Advance(ctx context.Context, episodeID string) (int64, error) {
	ep, err := m.Episode(episodeID)
	if err != nil {
		return 0, err
	}
	return ep.Advance(ctx)
}

// EpisodeStatus summarises an episode.
func (m *Manager) EpisodeStatus(_ context.Context, episodeID string) (model.EpisodeInfo, error) {
	ep, err := m.Episode(episodeID)
	if err != nil {
		return model.EpisodeInfo{}, err
	}
	return ep.Info(), nil
}

// CloseExperiment truncates a still-running episode, releases simulators
// and seals every log. Logs stay readable afterwards.
func (m *Manager) CloseExperiment(ctx context.Context, experimentID string) error {
	m.mu.Lock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.closed {
		m.mu.Unlock()
		return nil
	}
	exp.closed = true
	episodes := append([]*Episode(nil), exp.episodes...)
	m.mu.Unlock()

	for _, ep := range episodes {
		if !ep.sync.Terminate(model.EpisodeTruncated, ReasonExperimentClosed) {
			// Already terminal; make sure the bookkeeping ran.
			ep.finish()
		}
		ep.log.Seal()
	}
	m.logger.Info(ctx, "experiment archived",
		logging.String("experiment_id", experimentID),
		logging.Int("episodes", len(episodes)),
	)
	return nil
}

// Close archives every experiment and waits for background work.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.experiments))
	for id := range m.experiments {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.CloseExperiment(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()
	return errors.Join(errs...)
}
