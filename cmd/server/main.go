package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txpipe/service/config"
	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/oracle"
	"github.com/brojonat/txpipe/service/pipeline"
	"github.com/brojonat/txpipe/service/retryhttp"
	"github.com/brojonat/txpipe/service/server"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/swap"
	"github.com/brojonat/txpipe/service/temporal"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting relay server",
		"addr", cfg.ServerAddr,
		"network", cfg.SolanaNetwork,
		"log_level", cfg.LogLevel,
	)

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	endpoint := solana.EndpointLabel(cfg.SolanaRPCURL)
	solanaClient := solana.NewClient(
		solana.NewRPCClient(cfg.SolanaRPCURL),
		endpoint,
		rpc.CommitmentType(cfg.SolanaCommitment),
		metricsCollector,
		logger,
	)
	logger.Info("initialized solana RPC client", "endpoint", endpoint, "commitment", cfg.SolanaCommitment)

	builder := pipeline.NewBuilder(
		solana.NewAccountLookup(solanaClient),
		txn.NewAssembler(solanaClient, logger),
	)

	// Upstream HTTP clients share the retry policy; the oracle is also rate limited
	policy := cfg.RetryPolicy()
	aggregator := swap.NewAggregator(
		cfg.AggregatorURL,
		retryhttp.New("aggregator", retryhttp.WithMetrics(metricsCollector), retryhttp.WithLogger(logger)),
		policy,
		logger,
	)
	oracleClient := oracle.NewClient(
		cfg.OracleURL,
		cfg.OracleAPIKey,
		cfg.OracleChain,
		retryhttp.New("oracle",
			retryhttp.WithLimiter(rate.NewLimiter(rate.Limit(cfg.OracleRPS), 1)),
			retryhttp.WithMetrics(metricsCollector),
			retryhttp.WithLogger(logger),
		),
		policy,
		logger,
	)
	if cfg.OracleAPIKey == "" {
		logger.Warn("ORACLE_API_KEY not set, asset requests may be rejected upstream")
	}

	deps := server.Deps{
		Builder:    builder,
		Submitter:  solana.NewRPCSubmitter(solanaClient, cfg.SkipPreflight),
		Confirmer:  solana.NewPoller(solanaClient, metricsCollector, logger),
		PollPolicy: cfg.PollPolicy(),
		Swap:       aggregator,
		Assets:     oracleClient,
	}

	// Unconfirmed submissions are handed to the worker when Temporal is enabled
	if cfg.TemporalEnabled {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			temporal.WatchDefaults{
				Network:     cfg.SolanaNetwork,
				Interval:    cfg.ConfirmInterval,
				MaxAttempts: cfg.ConfirmMaxAttempts,
			},
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		deps.Watcher = temporalClient
		logger.Info("connected to temporal for confirmation watches",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, deps, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"aggregator_url", cfg.AggregatorURL,
		"oracle_url", cfg.OracleURL,
		"temporal_enabled", cfg.TemporalEnabled,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
