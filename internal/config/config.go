// Package config loads the gateway's YAML configuration: server and
// observability settings plus the experiments the gateway hosts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/kb"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// SeedPolicy decides the seed of each episode of an experiment.
type SeedPolicy string

const (
	// SeedFixed gives every episode the experiment seed.
	SeedFixed SeedPolicy = "fixed"
	// SeedIncrement gives episode k the experiment seed plus k.
	SeedIncrement SeedPolicy = "increment"
)

// SeedFor returns the seed of episode index under the policy.
func (p SeedPolicy) SeedFor(base int64, index int) int64 {
	if p == SeedIncrement {
		return base + int64(index)
	}
	return base
}

// LatePolicy is the reaction to a missed decision deadline.
type LatePolicy string

const (
	// LateSoft substitutes a hold action, logs a DelayEvent and continues.
	LateSoft LatePolicy = "soft"
	// LateTruncate additionally truncates the episode once consecutive
	// late steps exceed the tolerance.
	LateTruncate LatePolicy = "truncate"
)

// Defaults.
const (
	DefaultListenAddress     = "127.0.0.1:50061"
	DefaultMetricsAddress    = "127.0.0.1:9464"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultRate              = 200
	DefaultBurst             = 50
	DefaultQueueCapacity     = 64
	DefaultAdvanceQueueBound = 8
	DefaultAdvanceWait       = 250 * time.Millisecond
	DefaultHorizon           = 3600
	DefaultEpisodes          = 1
)

// GatewayConfig is the top-level configuration document.
type GatewayConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Archive     ArchiveConfig      `yaml:"archive"`
	Experiments []ExperimentConfig `yaml:"experiments"`
}

// ServerConfig configures the gRPC and HTTP listeners.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	MetricsAddress  string        `yaml:"metrics_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig mirrors logging.Config in YAML.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Logger converts the YAML settings into a logging.Config with
// environment overrides applied.
func (c LoggingConfig) Logger() logging.Config {
	return logging.Config{
		Level:     c.Level,
		Format:    c.Format,
		AddSource: c.AddSource,
	}.ApplyEnv()
}

// TracingConfig selects the span exporter. Environment variables read by
// the observability package take precedence.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// ArchiveConfig enables the SQLite event archive when Path is set.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// ExperimentConfig is one hosted experiment.
type ExperimentConfig struct {
	ID           string             `yaml:"id"`
	Scenario     *model.Scenario    `yaml:"scenario,omitempty"`
	ScenarioFile string             `yaml:"scenario_file,omitempty"`
	Seed         int64              `yaml:"seed"`
	SeedPolicy   SeedPolicy         `yaml:"seed_policy"`
	Horizon      int64              `yaml:"horizon"`
	Episodes     int                `yaml:"episodes"`
	Pacing       string             `yaml:"pacing"`
	Admission    AdmissionConfig    `yaml:"admission"`
	LateDecision LateDecisionConfig `yaml:"late_decision"`
}

// AdmissionConfig parameterises the backpressure controller. Rate is in
// requests per second.
type AdmissionConfig struct {
	Rate              float64       `yaml:"rate"`
	Burst             int           `yaml:"burst"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	AdvanceQueueBound int           `yaml:"advance_queue_bound"`
	AdvanceWait       time.Duration `yaml:"advance_wait"`
}

// LateDecisionConfig parameterises the decision-deadline watchdog. A zero
// Deadline disables it.
type LateDecisionConfig struct {
	Deadline    time.Duration `yaml:"deadline"`
	Policy      LatePolicy    `yaml:"policy"`
	Tolerance   int           `yaml:"tolerance"`
	AutoAdvance bool          `yaml:"auto_advance"`
}

// Load reads, decodes, resolves, defaults and validates a configuration
// file.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a configuration document. Relative scenario_file paths
// are resolved against baseDir.
func Parse(data []byte, baseDir string) (*GatewayConfig, error) {
	var cfg GatewayConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}
	for i := range cfg.Experiments {
		exp := &cfg.Experiments[i]
		if exp.Scenario != nil || exp.ScenarioFile == "" {
			continue
		}
		p := exp.ScenarioFile
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("experiment %q: %w", exp.ID, err)
		}
		exp.Scenario = &sc
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadScenario reads a standalone scenario document.
func LoadScenario(path string) (model.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("reading scenario: %w", err)
	}
	var sc model.Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return model.Scenario{}, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return sc, nil
}

// ApplyDefaults fills unset fields.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = DefaultMetricsAddress
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	for i := range c.Experiments {
		c.Experiments[i].ApplyDefaults()
	}
}

// ApplyDefaults fills unset experiment fields.
func (e *ExperimentConfig) ApplyDefaults() {
	if e.SeedPolicy == "" {
		e.SeedPolicy = SeedFixed
	}
	if e.Horizon == 0 {
		e.Horizon = DefaultHorizon
	}
	if e.Episodes == 0 {
		e.Episodes = DefaultEpisodes
	}
	if e.Pacing == "" {
		e.Pacing = "accelerated"
	}
	a := &e.Admission
	if a.Rate == 0 {
		a.Rate = DefaultRate
	}
	if a.Burst == 0 {
		a.Burst = DefaultBurst
	}
	if a.QueueCapacity == 0 {
		a.QueueCapacity = DefaultQueueCapacity
	}
	if a.AdvanceQueueBound == 0 {
		a.AdvanceQueueBound = DefaultAdvanceQueueBound
	}
	if a.AdvanceWait == 0 {
		a.AdvanceWait = DefaultAdvanceWait
	}
	if e.LateDecision.Policy == "" {
		e.LateDecision.Policy = LateSoft
	}
}

// Validate checks the whole document.
func (c *GatewayConfig) Validate() error {
	seen := make(map[string]bool, len(c.Experiments))
	for i := range c.Experiments {
		exp := &c.Experiments[i]
		if seen[exp.ID] {
			return fmt.Errorf("%w: duplicate experiment id %q", ErrInvalidConfig, exp.ID)
		}
		seen[exp.ID] = true
		if err := exp.Validate(); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("%w: unknown tracing exporter %q", ErrInvalidConfig, c.Tracing.Exporter)
	}
	return nil
}

// Validate checks one experiment, including its scenario topology.
func (e *ExperimentConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: experiment %q: %s", ErrInvalidConfig, e.ID, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: experiment id is required", ErrInvalidConfig)
	}
	if e.Scenario == nil {
		return fail("scenario or scenario_file is required")
	}
	if _, err := kb.FromScenario(*e.Scenario); err != nil {
		return fail("scenario: %v", err)
	}
	if e.Horizon <= 0 {
		return fail("horizon must be positive, got %d", e.Horizon)
	}
	if e.Episodes <= 0 {
		return fail("episodes must be positive, got %d", e.Episodes)
	}
	switch e.SeedPolicy {
	case SeedFixed, SeedIncrement:
	default:
		return fail("unknown seed_policy %q", e.SeedPolicy)
	}
	switch strings.ToLower(e.Pacing) {
	case "accelerated", "realtime", "real-time":
	default:
		return fail("unknown pacing %q", e.Pacing)
	}

	a := e.Admission
	if a.Rate < 0 || a.Burst < 1 {
		return fail("admission rate must be >= 0 and burst >= 1")
	}
	if a.QueueCapacity < 1 {
		return fail("admission queue_capacity must be >= 1, got %d", a.QueueCapacity)
	}
	if a.AdvanceQueueBound < 0 || a.AdvanceWait < 0 {
		return fail("admission advance bounds must be non-negative")
	}

	l := e.LateDecision
	if l.Deadline < 0 {
		return fail("late_decision deadline must be non-negative")
	}
	switch l.Policy {
	case LateSoft, LateTruncate:
	default:
		return fail("unknown late_decision policy %q", l.Policy)
	}
	if l.Tolerance < 0 {
		return fail("late_decision tolerance must be non-negative")
	}
	return nil
}

// Experiment returns the experiment with the given id.
func (c *GatewayConfig) Experiment(id string) (ExperimentConfig, bool) {
	for _, e := range c.Experiments {
		if e.ID == id {
			return e, true
		}
	}
	return ExperimentConfig{}, false
}
