package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/client"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/pipeline"
	"github.com/brojonat/txpipe/service/signer"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send SOL or an SPL token from the configured wallet",
		Description: `Build, sign, submit and confirm a transfer.

Without --relay-url the transfer goes straight to the RPC node. With
--relay-url the relay builds the instructions and submits the signed
transaction; the private key never leaves this machine either way.

Examples:
  txpipe send --to <address> --amount 0.01
  txpipe send --to <address> --amount 1.5 --mint EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount in whole tokens (e.g. 0.5)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "mint",
				Usage: "SPL token mint; omit to send SOL",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "sign-then-submit or sign-and-send (direct RPC only)",
				Value: "sign-then-submit",
			},
			&cli.BoolFlag{
				Name:  "skip-preflight",
				Usage: "Skip RPC preflight simulation",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish stage events to NATS",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Hand unconfirmed transfers to the Temporal confirmation worker",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Overall time limit; a transfer still unconfirmed at the limit reports status unknown",
				Value:   2 * time.Minute,
			},
		}, confirmFlags()...),
		Action: func(c *cli.Context) error {
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return txerr.ErrInvalidAmount.Withf("send", "amount %q is not a number", c.String("amount"))
			}

			logger := newLogger(c)

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if relayURL := c.String("relay-url"); relayURL != "" {
				s, err := loadSigner(c, logger, nil)
				if err != nil {
					return err
				}
				return sendViaRelay(ctx, c, relayURL, s, amount, logger)
			}
			return sendDirect(ctx, c, amount, logger)
		},
	}
}

// sendDirect runs the full pipeline against the RPC node.
func sendDirect(ctx context.Context, c *cli.Context, amount decimal.Decimal, logger *slog.Logger) error {
	solanaClient := getSolanaClient(c, logger)
	submitter := solana.NewRPCSubmitter(solanaClient, c.Bool("skip-preflight"))

	cfg := pipeline.Config{
		Submitter:  submitter,
		Network:    c.String("network"),
		PollPolicy: pollPolicy(c),
	}
	var sender txn.Submitter
	switch c.String("mode") {
	case "sign-then-submit":
		cfg.Mode = pipeline.ModeSignThenSubmit
	case "sign-and-send":
		cfg.Mode = pipeline.ModeSignAndSend
		sender = submitter
	default:
		return fmt.Errorf("unknown mode %q (expected sign-then-submit or sign-and-send)", c.String("mode"))
	}

	s, err := loadSigner(c, logger, sender)
	if err != nil {
		return err
	}
	intent := txn.TransferIntent{
		From:   s.PublicKey().String(),
		To:     c.String("to"),
		Amount: amount,
		Mint:   c.String("mint"),
	}

	if c.Bool("publish") {
		publisher, err := natspkg.NewPublisher(c.String("nats-url"), nil, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		cfg.Publisher = publisher
	}
	if c.Bool("watch") {
		watcher, err := getWatchClient(c, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		cfg.Watcher = watcher
	}

	builder := pipeline.NewBuilder(
		solana.NewAccountLookup(solanaClient),
		txn.NewAssembler(solanaClient, logger),
	)
	p, err := pipeline.New(builder, s, solana.NewPoller(solanaClient, nil, logger), cfg, nil, logger)
	if err != nil {
		return err
	}

	res, sendErr := p.Send(ctx, intent)
	if err := render(c, res, func(w io.Writer) { printPipelineResult(w, res) }); err != nil {
		return err
	}
	return sendErr
}

// sendViaRelay lets the relay build and submit while signing locally.
func sendViaRelay(ctx context.Context, c *cli.Context, relayURL string, s signer.Signer, amount decimal.Decimal, logger *slog.Logger) error {
	relay := client.NewClient(relayURL, nil, logger)

	unsigned, err := relay.TransferInstructions(ctx, s.PublicKey().String(), c.String("to"), amount, c.String("mint"))
	if err != nil {
		return err
	}
	tx, err := unsigned.Transaction()
	if err != nil {
		return err
	}
	if err := txn.CheckFeePayer(tx, s.PublicKey()); err != nil {
		return err
	}
	signed, err := s.Sign(ctx, tx)
	if err != nil {
		return err
	}

	res, err := relay.Submit(ctx, signed)
	if err != nil {
		sig, serr := signed.Signature()
		if serr != nil || !txerr.MayHaveLanded(txerr.Classify(err)) {
			return err
		}
		logger.Warn("lost track of submitted transfer", "signature", sig.String(), "error", err)
		res = &client.SubmitResult{
			Signature: sig.String(),
			Status:    txn.StatusUnknown,
			ErrorKind: txerr.KindConfirmationUnknown,
			Message:   txerr.UserMessage(txerr.KindConfirmationUnknown),
		}
	}
	if err := render(c, res, func(w io.Writer) { printSubmitResult(w, res) }); err != nil {
		return err
	}
	if res.Status == txn.StatusFailed {
		return txerr.ErrTransactionFailed.Withf("send", "transaction %s failed on chain", res.Signature)
	}
	return nil
}

func printPipelineResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "Pipeline:   %s\n", res.PipelineID)
	if res.Signature != "" {
		fmt.Fprintf(w, "Signature:  %s\n", res.Signature)
		fmt.Fprintf(w, "Status:     %s\n", res.Status)
	}
	fmt.Fprintf(w, "Stage:      %s\n", res.Stage)
	printKind(w, 12, res.Kind, txerr.UserMessage(res.Kind))
}

func printSubmitResult(w io.Writer, res *client.SubmitResult) {
	fmt.Fprintf(w, "Signature:  %s\n", res.Signature)
	fmt.Fprintf(w, "Status:     %s\n", res.Status)
	printKind(w, 12, res.ErrorKind, res.Message)
}

// printKind explains a non-empty error kind. Kinds that are not failures,
// such as an unconfirmed transaction, are labelled as pending.
func printKind(w io.Writer, width int, k txerr.Kind, message string) {
	if k == txerr.KindNone {
		return
	}
	label := "Error:"
	if !txerr.IsFailure(k) {
		label = "Pending:"
	}
	fmt.Fprintf(w, "%-*s%s\n", width, label, k)
	if message != "" {
		fmt.Fprintf(w, "%*s%s\n", width, "", message)
	}
}
