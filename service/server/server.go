package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/oracle"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/swap"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstructionBuilder prepares unsigned transfers. *pipeline.Builder implements it.
type InstructionBuilder interface {
	Prepare(ctx context.Context, intent txn.TransferIntent) (*txn.UnsignedTransaction, error)
}

// Confirmer waits for a signature to reach a terminal status. *solana.Poller implements it.
type Confirmer interface {
	Confirm(ctx context.Context, sig solanago.Signature, policy solana.PollPolicy) (txn.ConfirmationStatus, error)
}

// SwapProxy forwards swap requests to the aggregator. *swap.Aggregator implements it.
type SwapProxy interface {
	Order(ctx context.Context, req swap.OrderRequest) (*swap.OrderResponse, error)
	Execute(ctx context.Context, signed *txn.SignedTransaction, requestID string) (*swap.ExecuteResponse, error)
}

// AssetLister lists a wallet's holdings. *oracle.Client implements it.
type AssetLister interface {
	TokenList(ctx context.Context, wallet string) (*oracle.Assets, error)
}

// Deps are the collaborators behind the relay routes. Swap, Assets and
// Watcher are optional; their routes are not mounted or the feature is
// skipped when nil.
type Deps struct {
	Builder    InstructionBuilder
	Submitter  txn.Submitter
	Confirmer  Confirmer
	PollPolicy solana.PollPolicy
	Swap       SwapProxy
	Assets     AssetLister
	Watcher    txn.Watcher
}

// Server is the backend relay: it builds unsigned transfers for wallets
// that sign client-side and submits what they sign.
type Server struct {
	addr    string
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if deps.PollPolicy.MaxAttempts == 0 {
		deps.PollPolicy = solana.DefaultPollPolicy()
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		metrics: m,
		logger:  logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Transfer routes
	route("POST /wallet/{address}/transfer/instructions", "transfer_instructions",
		handleTransferInstructions(s.deps.Builder, s.logger))
	route("POST /transaction/submit", "transaction_submit",
		handleSubmitTransaction(s.deps.Submitter, s.deps.Confirmer, s.deps.PollPolicy, s.deps.Watcher, s.logger))

	// Swap routes
	if s.deps.Swap != nil {
		route("POST /swap/order", "swap_order", handleSwapOrder(s.deps.Swap, s.logger))
		route("POST /swap/execute", "swap_execute", handleSwapExecute(s.deps.Swap, s.logger))
	} else {
		s.logger.Warn("aggregator not configured, swap endpoints disabled")
	}

	// Asset routes
	if s.deps.Assets != nil {
		route("GET /wallet/{address}/assets", "wallet_assets", handleWalletAssets(s.deps.Assets, s.logger))
	} else {
		s.logger.Warn("oracle not configured, asset endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // submit waits for confirmation
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
