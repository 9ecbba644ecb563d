package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/controller"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/queuesim"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// runOptions configures a headless run.
type runOptions struct {
	ExperimentID string
	Policy       string
	Green        int64
	Episodes     int
	OutDir       string
	Format       string
	Compress     bool
}

// episodeResult summarises one headless episode.
type episodeResult struct {
	EpisodeID string
	Status    string
	Summary   controller.Summary
	Return    float64
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment headless with a built-in signal controller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Logger())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, err := runHeadless(ctx, cfg, opts, log)
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.ExperimentID, "experiment", "e", "", "Experiment to run (defaults to the first configured)")
	cmd.Flags().StringVarP(&opts.Policy, "policy", "p", "max-pressure", "Controller policy: max-pressure or fixed-time")
	cmd.Flags().Int64Var(&opts.Green, "green", 10, "Green steps per phase for fixed-time")
	cmd.Flags().IntVarP(&opts.Episodes, "episodes", "n", 0, "Episodes to run (defaults to the experiment's episode limit)")
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "Directory to write each episode's log export to")
	cmd.Flags().StringVar(&opts.Format, "format", "csv", "Export format: csv, jsonl or cbor")
	cmd.Flags().BoolVar(&opts.Compress, "zstd", false, "Compress exports with zstd")
	return cmd
}

func runHeadless(ctx context.Context, cfg *config.GatewayConfig, opts runOptions, log logging.Logger) ([]episodeResult, error) {
	exp, err := pickExperiment(cfg, opts.ExperimentID)
	if err != nil {
		return nil, err
	}
	policy, ok := controller.ByName(opts.Policy, opts.Green)
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", opts.Policy)
	}
	format, err := eventlog.ParseFormat(opts.Format)
	if err != nil {
		return nil, err
	}
	mode, ok := timectrl.ParseMode(strings.ToLower(exp.Pacing))
	if !ok {
		return nil, fmt.Errorf("unknown pacing %q", exp.Pacing)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(log)}
	if cfg.Archive.Path != "" {
		store, err := openArchive(cfg.Archive.Path, log)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		gwOpts = append(gwOpts, gateway.WithArchive(store))
	}
	manager := gateway.NewManager(queuesim.Factory(), gwOpts...)
	defer manager.Close(context.Background())

	if _, err := manager.CreateExperiment(exp); err != nil {
		return nil, err
	}

	episodes := opts.Episodes
	if episodes <= 0 || episodes > exp.Episodes {
		episodes = exp.Episodes
	}
	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
			return nil, err
		}
	}

	results := make([]episodeResult, 0, episodes)
	for i := 0; i < episodes; i++ {
		ep, err := manager.StartEpisode(ctx, exp.ID)
		if err != nil {
			return results, err
		}
		epLog := logging.ForEpisode(log, exp.ID, ep.ID())

		runner := &controller.Runner{
			Policy: policy,
			Pacer:  timectrl.NewPacer(nil, exp.Scenario.StepLength, mode),
			Logger: epLog,
		}
		sum, err := runner.Run(ctx, controller.EpisodeEnv{Episode: ep})
		if err != nil {
			return results, fmt.Errorf("episode %s: %w", ep.ID(), err)
		}

		rewards := eventlog.Rewards(ep.Log().All(0), eventlog.NegativeDelay)
		res := episodeResult{
			EpisodeID: ep.ID(),
			Status:    string(ep.Status()),
			Summary:   sum,
			Return:    eventlog.Return(rewards),
		}
		results = append(results, res)
		epLog.Info(ctx, "episode finished",
			logging.String("status", res.Status),
			logging.Int64("steps", sum.Steps),
			logging.Int("actions", sum.Actions),
			logging.Float64("return", res.Return),
		)

		if opts.OutDir != "" {
			path := filepath.Join(opts.OutDir, ep.ID()+format.Extension(opts.Compress))
			if err := exportFile(path, ep.Log(), eventlog.ExportOptions{Format: format, Compress: opts.Compress}); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func pickExperiment(cfg *config.GatewayConfig, id string) (config.ExperimentConfig, error) {
	if len(cfg.Experiments) == 0 {
		return config.ExperimentConfig{}, fmt.Errorf("%w: no experiments configured", config.ErrInvalidConfig)
	}
	if id == "" {
		return cfg.Experiments[0], nil
	}
	exp, ok := cfg.Experiment(id)
	if !ok {
		return config.ExperimentConfig{}, fmt.Errorf("%w: %s", gateway.ErrExperimentNotFound, id)
	}
	return exp, nil
}

func exportFile(path string, log *eventlog.Log, opts eventlog.ExportOptions) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return eventlog.Export(f, log.All(0), opts)
}

func printResults(w io.Writer, results []episodeResult) {
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\tsteps=%d\tactions=%d\trejected=%d\treturn=%.1f\n",
			r.EpisodeID, r.Status, r.Summary.Steps, r.Summary.Actions, r.Summary.Rejected, r.Return)
	}
}
