package temporal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// WatchInput contains the parameters of a durable confirmation watch.
type WatchInput struct {
	Signature   string        `json:"signature"`
	Wallet      string        `json:"wallet"`
	Network     string        `json:"network"` // "mainnet" or "devnet"
	Interval    time.Duration `json:"interval"`
	MaxAttempts int           `json:"max_attempts"`
}

// WatchResult is the outcome of a watch.
type WatchResult struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
}

// CheckSignatureStatusInput contains parameters for the CheckSignatureStatus activity.
type CheckSignatureStatusInput struct {
	Signature string `json:"signature"`
	Network   string `json:"network"`
}

// CheckSignatureStatusResult contains the status observed by one check.
type CheckSignatureStatusResult struct {
	Status string `json:"status"`
}

// PublishOutcomeInput contains parameters for the PublishOutcome activity.
type PublishOutcomeInput struct {
	Signature string `json:"signature"`
	Wallet    string `json:"wallet"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
}

// StatusCheckerInterface reads a signature's status from one network.
// *solana.Client implements it.
type StatusCheckerInterface interface {
	SignatureStatus(ctx context.Context, sig solanago.Signature) (txn.ConfirmationStatus, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishEvent(ctx context.Context, event *natspkg.PipelineEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	mainnet   StatusCheckerInterface
	devnet    StatusCheckerInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance. publisher, devnet and
// metrics may be nil.
func NewActivities(
	mainnet StatusCheckerInterface,
	devnet StatusCheckerInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Activities{
		mainnet:   mainnet,
		devnet:    devnet,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) timed(activity string) func() {
	start := time.Now()
	return func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
		}
	}
}

// CheckSignatureStatus performs one status lookup. RPC failures are returned
// so Temporal retries the activity; a malformed signature or network is not
// retryable.
func (a *Activities) CheckSignatureStatus(ctx context.Context, input CheckSignatureStatusInput) (*CheckSignatureStatusResult, error) {
	defer a.timed("CheckSignatureStatus")()

	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid signature %q", input.Signature), "InvalidSignature", err)
	}

	var checker StatusCheckerInterface
	switch input.Network {
	case "", "mainnet":
		checker = a.mainnet
	case "devnet":
		checker = a.devnet
	}
	if checker == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("no status checker for network %q", input.Network), "UnsupportedNetwork", nil)
	}

	status, err := checker.SignatureStatus(ctx, sig)
	if err != nil {
		a.logger.WarnContext(ctx, "signature status check failed",
			"signature", input.Signature,
			"network", input.Network,
			"error", err,
		)
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}

	a.logger.DebugContext(ctx, "checked signature status",
		"signature", input.Signature,
		"status", status.String(),
	)
	return &CheckSignatureStatusResult{Status: status.String()}, nil
}

// PublishOutcome announces the watch result on NATS. Without a publisher it
// only records the outcome.
func (a *Activities) PublishOutcome(ctx context.Context, input PublishOutcomeInput) error {
	defer a.timed("PublishOutcome")()

	if a.metrics != nil {
		a.metrics.RecordWatchWorkflow(input.Status)
	}
	a.logger.InfoContext(ctx, "confirmation watch finished",
		"signature", input.Signature,
		"wallet", input.Wallet,
		"status", input.Status,
		"attempts", input.Attempts,
	)
	if a.publisher == nil {
		return nil
	}

	status := txn.ParseStatus(input.Status)
	event := &natspkg.PipelineEvent{
		PipelineID:    "watch-" + input.Signature,
		Flow:          natspkg.FlowWatch,
		Stage:         string(txn.StageFor(status)),
		WalletAddress: input.Wallet,
		Signature:     input.Signature,
		Status:        status.String(),
		Timestamp:     time.Now().UTC(),
	}
	if status == txn.StatusUnknown {
		event.ErrorKind = "confirmation_unknown"
	}
	if err := a.publisher.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to publish watch outcome: %w", err)
	}
	return nil
}
