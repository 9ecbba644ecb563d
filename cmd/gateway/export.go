package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog/sqlitestore"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
)

// exportOptions selects archived episodes and their encoding.
type exportOptions struct {
	DB           string
	ExperimentID string
	EpisodeID    string
	FromStep     int64
	Format       string
	Compress     bool
	Out          string
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export archived event logs keyed by experiment, episode and step",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.DB == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("export: no --db given: %w", err)
				}
				opts.DB = cfg.Archive.Path
			}
			out := cmd.OutOrStdout()
			if opts.Out != "" && opts.Out != "-" {
				f, err := os.Create(opts.Out)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return runExport(cmd.Context(), opts, out, logging.NewFromEnv())
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite archive (defaults to archive.path from the configuration)")
	cmd.Flags().StringVarP(&opts.ExperimentID, "experiment", "e", "", "Experiment id")
	cmd.Flags().StringVar(&opts.EpisodeID, "episode", "", "Episode id (defaults to every archived episode)")
	cmd.Flags().Int64Var(&opts.FromStep, "from-step", 0, "Skip entries before this step")
	cmd.Flags().StringVar(&opts.Format, "format", "csv", "Export format: csv, jsonl or cbor")
	cmd.Flags().BoolVar(&opts.Compress, "zstd", false, "Compress the output with zstd")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "-", "Output file")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

func runExport(ctx context.Context, opts exportOptions, w io.Writer, log logging.Logger) error {
	if opts.DB == "" {
		return fmt.Errorf("%w: archive path is required", config.ErrInvalidConfig)
	}
	format, err := eventlog.ParseFormat(opts.Format)
	if err != nil {
		return err
	}
	store, err := sqlitestore.Open(sqlitestore.Config{Path: opts.DB, Logger: log})
	if err != nil {
		return err
	}
	defer store.Close()

	episodes := []string{opts.EpisodeID}
	if opts.EpisodeID == "" {
		episodes, err = store.Episodes(ctx, opts.ExperimentID)
		if err != nil {
			return err
		}
	}

	var entries []eventlog.Entry
	for _, id := range episodes {
		batch, err := store.Load(ctx, opts.ExperimentID, id, opts.FromStep)
		if err != nil {
			return err
		}
		entries = append(entries, batch...)
	}
	log.Info(ctx, "exporting event log",
		logging.String("experiment_id", opts.ExperimentID),
		logging.Int("episodes", len(episodes)),
		logging.Int("entries", len(entries)),
		logging.String("format", string(format)),
	)
	return eventlog.Export(w, slices.Values(entries), eventlog.ExportOptions{Format: format, Compress: opts.Compress})
}
