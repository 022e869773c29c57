package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func watchStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a durable confirmation watch for a signature",
		ArgsUsage: "<signature>",
		Description: `Start the confirmation workflow for a submitted signature. Starting a
watch that is already running joins it instead of starting a second one.

Example:
  txpipe watch start 5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW --wallet <address>`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "wallet",
				Usage: "Wallet the outcome event is published for",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Delay between status checks",
				Value: time.Second,
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Status checks before the watch ends with status unknown",
				Value: 30,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			logger := newLogger(c)
			watcher, err := getWatchClient(c, logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			runID, err := watcher.StartWatch(c.Context, temporal.WatchInput{
				Signature:   sig.String(),
				Wallet:      c.String("wallet"),
				Network:     c.String("network"),
				Interval:    c.Duration("interval"),
				MaxAttempts: c.Int("max-attempts"),
			})
			if err != nil {
				return err
			}

			out := map[string]string{
				"workflow_id": temporal.WatchWorkflowID(sig.String()),
				"run_id":      runID,
			}
			return render(c, out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Watch started\n")
				fmt.Fprintf(w, "  Workflow ID: %s\n", out["workflow_id"])
				fmt.Fprintf(w, "  Run ID:      %s\n", out["run_id"])
			})
		},
	}
}

func watchResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Wait for a confirmation watch to finish and print its outcome",
		ArgsUsage: "<signature>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait for the watch",
				Value:   5 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}

			logger := newLogger(c)
			watcher, err := getWatchClient(c, logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			workflowID := temporal.WatchWorkflowID(c.Args().First())
			var result temporal.WatchResult
			if err := watcher.SDKClient().GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
				return fmt.Errorf("failed to get watch %s: %w", workflowID, err)
			}

			return render(c, result, func(w io.Writer) {
				fmt.Fprintf(w, "Signature:  %s\n", result.Signature)
				fmt.Fprintf(w, "Status:     %s\n", result.Status)
				fmt.Fprintf(w, "Attempts:   %d\n", result.Attempts)
			})
		},
	}
}

// getWatchClient connects to Temporal using the global flags.
func getWatchClient(c *cli.Context, logger *slog.Logger) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		temporal.WatchDefaults{
			Network:     c.String("network"),
			Interval:    time.Second,
			MaxAttempts: 30,
		},
		logger,
	)
}
