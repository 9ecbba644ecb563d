package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/traffic-gateway/internal/api"
	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/eventlog/sqlitestore"
	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/queuesim"
)

func newServeCmd() *cobra.Command {
	var listen, metrics string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway gRPC API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			if metrics != "" {
				cfg.Server.MetricsAddress = metrics
			}
			log := logging.New(cfg.Logging.Logger())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddress, err)
			}
			return runServe(ctx, cfg, log, lis, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "grpc-addr", "", "Override server.listen_address")
	cmd.Flags().StringVar(&metrics, "metrics-addr", "", "Override server.metrics_address (\"-\" disables)")
	return cmd
}

// runServe hosts the configured experiments on lis until ctx ends. A nil
// registerer means the default Prometheus registry.
func runServe(ctx context.Context, cfg *config.GatewayConfig, log logging.Logger, lis net.Listener, reg prometheus.Registerer) error {
	shutdownTracing, err := observability.InitTracing(ctx, tracingConfig(cfg.Tracing), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewGatewayCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithMetrics(collector),
	}
	var store *sqlitestore.Store
	if cfg.Archive.Path != "" {
		store, err = openArchive(cfg.Archive.Path, log)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, gateway.WithArchive(store))
	}

	manager := gateway.NewManager(queuesim.Factory(), opts...)
	for _, exp := range cfg.Experiments {
		if _, err := manager.CreateExperiment(exp); err != nil {
			_ = manager.Close(context.Background())
			return err
		}
		log.Info(ctx, "experiment registered",
			logging.String("experiment_id", exp.ID),
			logging.Int64("horizon", exp.Horizon),
			logging.Int("episodes", exp.Episodes),
		)
	}

	var httpSrv *http.Server
	if addr := cfg.Server.MetricsAddress; addr != "" && addr != "-" {
		httpSrv = serveHTTP(addr, collector, manager, log)
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			api.RequestIDUnaryServerInterceptor(log),
			api.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			api.RequestIDStreamServerInterceptor(log),
			collector.StreamServerInterceptor(),
		),
	)
	api.Register(server, api.NewServer(manager, log))

	serveErr := make(chan error, 1)
	log.Info(ctx, "starting gateway gRPC server", logging.String("addr", lis.Addr().String()))
	go func() {
		serveErr <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(context.Background(), "gRPC server exited", logging.Err(err))
		}
	}

	log.Info(context.Background(), "shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Truncating every episode first ends open watch streams.
	closeErr := manager.Close(shutdownCtx)
	server.GracefulStop()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return closeErr
}

// openArchive opens the SQLite archive, creating its directory.
func openArchive(path string, log logging.Logger) (*sqlitestore.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive directory: %w", err)
		}
	}
	return sqlitestore.Open(sqlitestore.Config{Path: path, Logger: log})
}

func tracingConfig(c config.TracingConfig) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Enabled,
		Exporter:    c.Exporter,
		Endpoint:    c.Endpoint,
		ServiceName: c.ServiceName,
	}.ApplyEnv()
}

// serveHTTP exposes /metrics and the live event-log export.
func serveHTTP(addr string, collector *observability.GatewayCollector, manager *gateway.Manager, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("GET /episodes/{episode}/log", exportHandler(manager))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving metrics and log export", logging.String("addr", addr))
	return srv
}

// exportHandler streams an episode's log. Query parameters: format
// (csv, jsonl, cbor) and compress (zstd when true).
func exportHandler(manager *gateway.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep, err := manager.Episode(r.PathValue("episode"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		format, err := eventlog.ParseFormat(r.URL.Query().Get("format"))
		if r.URL.Query().Get("format") == "" {
			format, err = eventlog.FormatCSV, nil
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		compress, _ := strconv.ParseBool(r.URL.Query().Get("compress"))

		w.Header().Set("Content-Type", contentType(format, compress))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ep.ID()+format.Extension(compress)))
		_ = eventlog.Export(w, ep.Log().All(0), eventlog.ExportOptions{Format: format, Compress: compress})
	})
}

func contentType(f eventlog.Format, compressed bool) string {
	switch {
	case compressed:
		return "application/zstd"
	case f == eventlog.FormatJSONL:
		return "application/x-ndjson"
	case f == eventlog.FormatCBOR:
		return "application/cbor-seq"
	default:
		return "text/csv"
	}
}
