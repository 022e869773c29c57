package solana

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
)

// PollPolicy bounds confirmation polling. It is separate from the HTTP
// retry policy.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollPolicy polls once a second, 30 times.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: time.Second, MaxAttempts: 30}
}

// StatusSource reports the current status of a signature. *Client
// implements it.
type StatusSource interface {
	SignatureStatus(ctx context.Context, sig solana.Signature) (txn.ConfirmationStatus, error)
}

// Poller waits for a submitted signature to reach a terminal status.
type Poller struct {
	source  StatusSource
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPoller creates a Poller. metrics may be nil.
func NewPoller(source StatusSource, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Poller{source: source, metrics: m, logger: logger}
}

// rank orders the non-failed statuses so observations only move forward.
func rank(s txn.ConfirmationStatus) int {
	switch s {
	case txn.StatusProcessed:
		return 1
	case txn.StatusConfirmed:
		return 2
	case txn.StatusFinalized:
		return 3
	}
	return 0
}

// Confirm polls immediately and then once per interval, up to MaxAttempts
// polls. It returns Confirmed or Finalized on success and Failed as soon as
// the node reports an on-chain error. Exhausting the policy returns
// StatusUnknown with a nil error: the transaction may still land. RPC
// errors while polling use up an attempt but never produce Failed. If ctx
// ends first, Confirm returns StatusUnknown and ctx.Err().
func (p *Poller) Confirm(ctx context.Context, sig solana.Signature, policy PollPolicy) (txn.ConfirmationStatus, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	observed := txn.StatusUnknown
	ticker := time.NewTicker(max(policy.Interval, time.Millisecond))
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := p.source.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return txn.StatusUnknown, ctx.Err()
			}
			p.logger.WarnContext(ctx, "signature status poll failed",
				"signature", sig.String(),
				"attempt", attempt,
				"error", err,
			)
			p.record("error")
		case status == txn.StatusFailed:
			p.record(status.String())
			p.logger.InfoContext(ctx, "transaction failed", "signature", sig.String(), "attempt", attempt)
			return txn.StatusFailed, nil
		default:
			p.record(status.String())
			if rank(status) > rank(observed) {
				observed = status
			}
		}

		if observed.Terminal() {
			p.logger.InfoContext(ctx, "transaction confirmed",
				"signature", sig.String(),
				"status", observed.String(),
				"attempt", attempt,
			)
			return observed, nil
		}

		if attempt >= policy.MaxAttempts {
			p.logger.WarnContext(ctx, "confirmation polling exhausted without terminal status",
				"signature", sig.String(),
				"attempts", attempt,
				"last_observed", observed.String(),
			)
			return txn.StatusUnknown, nil
		}

		select {
		case <-ctx.Done():
			return txn.StatusUnknown, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) record(status string) {
	if p.metrics != nil {
		p.metrics.RecordConfirmationPoll(status)
	}
}
