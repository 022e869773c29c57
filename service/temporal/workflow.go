package temporal

import (
	"errors"
	"time"

	"github.com/brojonat/txpipe/service/txn"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	defaultWatchInterval    = 5 * time.Second
	defaultWatchMaxAttempts = 120
)

// WatchSignatureWorkflow keeps polling a signature that its pipeline gave up
// on. Each attempt runs CheckSignatureStatus, then the workflow sleeps for
// the interval. It stops on Failed, Confirmed or Finalized, or after
// MaxAttempts checks, and then publishes the outcome. Observed status never
// moves backwards, and an exhausted watch ends as unknown rather than failed.
func WatchSignatureWorkflow(ctx workflow.Context, input WatchInput) (*WatchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("WatchSignatureWorkflow started", "signature", input.Signature)

	if input.Interval <= 0 {
		input.Interval = defaultWatchInterval
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = defaultWatchMaxAttempts
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})

	result := &WatchResult{Signature: input.Signature}
	observed := txn.StatusUnknown

	for result.Attempts < input.MaxAttempts {
		result.Attempts++

		var check CheckSignatureStatusResult
		err := workflow.ExecuteActivity(ctx, a.CheckSignatureStatus, CheckSignatureStatusInput{
			Signature: input.Signature,
			Network:   input.Network,
		}).Get(ctx, &check)
		if err != nil {
			var appErr *temporalsdk.ApplicationError
			if errors.As(err, &appErr) && appErr.NonRetryable() {
				logger.Error("signature cannot be watched", "signature", input.Signature, "error", err)
				return nil, err
			}
			logger.Warn("status check failed, will try again", "attempt", result.Attempts, "error", err)
		} else {
			status := txn.ParseStatus(check.Status)
			if status == txn.StatusFailed || status > observed {
				observed = status
			}
		}

		if observed.Terminal() {
			break
		}
		if result.Attempts < input.MaxAttempts {
			if err := workflow.Sleep(ctx, input.Interval); err != nil {
				return nil, err
			}
		}
	}

	result.Status = observed.String()
	err := workflow.ExecuteActivity(ctx, a.PublishOutcome, PublishOutcomeInput{
		Signature: input.Signature,
		Wallet:    input.Wallet,
		Status:    result.Status,
		Attempts:  result.Attempts,
	}).Get(ctx, nil)
	if err != nil {
		// The outcome is still returned; the workflow history records it.
		logger.Error("failed to publish watch outcome", "signature", input.Signature, "error", err)
	}

	logger.Info("WatchSignatureWorkflow completed",
		"signature", input.Signature,
		"status", result.Status,
		"attempts", result.Attempts,
	)
	return result, nil
}
