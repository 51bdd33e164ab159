package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/faultinjector/internal/backend"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/config"
	"github.com/gateway-fm/faultinjector/internal/consistency"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/metrics"
	"github.com/gateway-fm/faultinjector/internal/probe"
	"github.com/gateway-fm/faultinjector/internal/scenario"
	"github.com/gateway-fm/faultinjector/internal/storage"
	"github.com/gateway-fm/faultinjector/internal/transport"
	"github.com/gateway-fm/faultinjector/pkg/types"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	os.Exit(run())
}

// run wires the harness and returns the process exit code.
func run() int {
	cfg, cliCfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "kind", failure.Kind(err))
		return 2
	}

	// Setup logger
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	cf := cfg.Cluster

	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg)

	nodes, err := cluster.NewRegistry(cluster.Config{
		Nodes:        cf.Nodes,
		DefaultPorts: cf.Chain.Ports,
		Factory:      &cluster.HTTPClientFactory{Timeout: cf.Chain.CallTimeout, Logger: logger},
		ProbeTimeout: cf.Chain.ProbeTimeout,
		CallTimeout:  cf.Chain.CallTimeout,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build node registry", "error", err)
		return 1
	}
	defer nodes.Cleanup()
	logger.Info("loaded cluster",
		"nodes", len(nodes.Nodes()),
		"executeLayer", cf.Chain.ExecuteLayer,
		"consensusLayer", cf.Chain.ConsensusLayer,
		"method", cf.Execution.Method)

	execCfg := cf.Execution
	execCfg.Logger = logger
	execCfg.Observer = func(node int, op backend.Op, command string, err error, d time.Duration) {
		m.RecordBackendCommand(string(op), err == nil, d)
	}
	exec, err := backend.New(execCfg)
	if err != nil {
		logger.Error("failed to create execution backend", "error", err)
		return 1
	}

	wallet, err := cfg.FounderAccount()
	if err != nil {
		logger.Error("failed to load founder account", "error", err)
		return 1
	}
	prober, err := probe.New(probe.Config{
		ChainID:          cfg.ChainID(),
		Wallet:           wallet,
		Recipient:        cf.Probe.RecipientAddress(),
		Value:            cf.Probe.Value(),
		InclusionTimeout: cf.Probe.InclusionTimeout,
		PollInterval:     cf.Probe.PollInterval,
		WarmUpRate:       cf.Probe.WarmUpRate,
		Recorder:         m,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to create prober", "error", err)
		return 1
	}
	logger.Info("founder account", "address", wallet.Address.Hex())

	// Initialize storage
	var store storage.Storage
	if cfg.DatabasePath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.DatabasePath)
			return 1
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	var server *transport.Server
	runner, err := scenario.NewRunner(scenario.RunnerConfig{
		Cluster:     nodes,
		Backend:     exec,
		Prober:      prober,
		Defaults:    cf.Scenario.Options(),
		Metrics:     m,
		Store:       store,
		Logger:      logger,
		Consistency: consistency.NewChecker(nodes, logger),
		OnStep: func(ev types.StepEvent) {
			if server != nil {
				server.Events().PublishStep(ev)
			}
		},
		OnRun: func(ev types.RunEvent) {
			if server != nil {
				server.Events().PublishRun(ev)
			}
		},
	})
	if err != nil {
		logger.Error("failed to create runner", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cliCfg != nil {
		return runCLI(ctx, runner, cliCfg, logger)
	}

	// Server mode - start HTTP API
	server = transport.NewServer(transport.ServerConfig{
		Runner:             runner,
		Cluster:            nodes,
		Store:              store,
		Gatherer:           reg,
		Logger:             logger,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", "error", err)
		}
	}()

	logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
		return 1
	}

	// Restart anything a cancelled run left stopped before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error("scenario cleanup did not finish", "error", err)
		return 1
	}
	return 0
}

// runCLI runs the requested scenarios in order and returns the exit code.
func runCLI(ctx context.Context, runner *scenario.Runner, cliCfg *config.CLIConfig, logger *slog.Logger) int {
	opts := runner.Defaults()
	if cliCfg.FaultWindow > 0 {
		opts.FaultWindow = cliCfg.FaultWindow
	}

	failed := 0
	for _, sc := range cliCfg.Scenarios {
		if ctx.Err() != nil {
			logger.Warn("interrupted, skipping remaining scenarios")
			return 130
		}
		report, err := runner.Run(ctx, sc, opts)
		if report == nil {
			logger.Error("scenario did not start", "scenario", sc, "error", err)
			return 1
		}
		attrs := []any{
			"scenario", sc,
			"id", report.ID,
			"status", report.Status,
			"duration", report.Duration().Round(time.Millisecond),
			"steps", len(report.Steps),
		}
		if report.Selection != nil {
			attrs = append(attrs,
				"stopped", report.Selection.Indices,
				"achievedPower", report.Selection.AchievedPower,
				"targetPower", report.Selection.TargetPower)
		}
		if err != nil {
			failed++
			logger.Error("scenario failed", append(attrs, "error", err, "kind", failure.Kind(err))...)
			continue
		}
		logger.Info("scenario passed", attrs...)
	}

	if failed > 0 {
		logger.Error("scenarios failed", "failed", failed, "total", len(cliCfg.Scenarios))
		return 1
	}
	return 0
}
