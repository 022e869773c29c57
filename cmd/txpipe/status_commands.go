package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/txpipe/service/oracle"
	"github.com/brojonat/txpipe/service/retryhttp"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

type statusOutput struct {
	Signature string                 `json:"signature"`
	Status    txn.ConfirmationStatus `json:"status"`
	Stage     txn.Stage              `json:"stage"`
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the confirmation status of a transaction",
		ArgsUsage: "<signature>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Poll until the transaction is finalized or failed",
			},
		}, confirmFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().First())
			if err != nil {
				return txerr.ErrInvalidRequest.Withf("status", "invalid signature: %v", err)
			}

			logger := newLogger(c)
			solanaClient := getSolanaClient(c, logger)

			var status txn.ConfirmationStatus
			if c.Bool("wait") {
				status, err = solana.NewPoller(solanaClient, nil, logger).Confirm(c.Context, sig, pollPolicy(c))
				if err != nil {
					logger.Warn("stopped polling before a terminal status", "error", err)
					status = txn.StatusUnknown
				}
			} else {
				status, err = solanaClient.SignatureStatus(c.Context, sig)
				if err != nil {
					return err
				}
			}

			out := statusOutput{Signature: sig.String(), Status: status, Stage: txn.StageFor(status)}
			return render(c, out, func(w io.Writer) {
				fmt.Fprintf(w, "Signature:  %s\n", out.Signature)
				fmt.Fprintf(w, "Status:     %s\n", out.Status)
			})
		},
	}
}

func assetsCommand() *cli.Command {
	return &cli.Command{
		Name:      "assets",
		Usage:     "List a wallet's holdings with prices",
		ArgsUsage: "[wallet_address]",
		Description: `List the native balance and SPL tokens of a wallet using the asset oracle.
Without an argument the configured wallet is used.

Example:
  txpipe assets DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --jq '.tokens[].symbol'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "chain",
				Usage: "Oracle chain identifier",
				Value: "solana",
			},
			&cli.Float64Flag{
				Name:  "rps",
				Usage: "Oracle requests per second",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Request timeout",
				Value:   30 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			logger := newLogger(c)
			wallet := c.Args().First()
			if wallet == "" {
				s, err := loadSigner(c, logger, nil)
				if err != nil {
					return fmt.Errorf("wallet address is required: %w", err)
				}
				wallet = s.PublicKey().String()
			}

			oracleClient := oracle.NewClient(
				c.String("oracle-url"),
				c.String("oracle-api-key"),
				c.String("chain"),
				retryhttp.New("oracle",
					retryhttp.WithLimiter(rate.NewLimiter(rate.Limit(c.Float64("rps")), 1)),
					retryhttp.WithLogger(logger),
				),
				retryhttp.DefaultPolicy(),
				logger,
			)

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			assets, err := oracleClient.TokenList(ctx, wallet)
			if err != nil {
				return err
			}
			return render(c, assets, func(w io.Writer) { printAssets(w, wallet, assets) })
		},
	}
}

func printAssets(w io.Writer, wallet string, assets *oracle.Assets) {
	fmt.Fprintf(w, "Wallet:  %s\n", wallet)
	fmt.Fprintf(w, "SOL:     %s\n", assets.NativeBalance.Amount)
	for _, t := range assets.Tokens {
		name := t.Symbol
		if name == "" {
			name = t.Mint
		}
		if t.Value != nil {
			fmt.Fprintf(w, "  %-12s %s ($%s)\n", name, t.Amount, t.Value.StringFixed(2))
		} else {
			fmt.Fprintf(w, "  %-12s %s\n", name, t.Amount)
		}
	}
	fmt.Fprintf(w, "Total:   $%s\n", assets.TotalValue.StringFixed(2))
}

func signMessageCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign-message",
		Usage:     "Sign an arbitrary message with the configured wallet",
		ArgsUsage: "<message>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: message")
			}
			s, err := loadSigner(c, newLogger(c), nil)
			if err != nil {
				return err
			}

			sig, err := s.SignMessage(c.Context, []byte(c.Args().First()))
			if err != nil {
				return err
			}

			out := map[string]string{
				"publicKey": s.PublicKey().String(),
				"signature": base58.Encode(sig),
			}
			return render(c, out, func(w io.Writer) {
				fmt.Fprintf(w, "Public Key:  %s\n", out["publicKey"])
				fmt.Fprintf(w, "Signature:   %s\n", out["signature"])
			})
		},
	}
}
