package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/txpipe/service/retryhttp"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/swap"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/urfave/cli/v2"
)

func swapCommand() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Quote a swap and optionally execute it",
		Description: `Fetch a swap quote from the aggregator. With --execute the quote is
signed by the configured wallet, submitted and confirmed before it expires.

Examples:
  txpipe swap --input-mint So11111111111111111111111111111111111111112 \
      --output-mint EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v --amount 10000000
  txpipe swap ... --execute --route rpc`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "input-mint",
				Usage:    "Mint to sell",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output-mint",
				Usage:    "Mint to buy",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "amount",
				Usage:    "Amount to sell in the input mint's base units",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "taker",
				Usage: "Wallet the quote is built for (defaults to the configured wallet)",
			},
			&cli.BoolFlag{
				Name:  "execute",
				Usage: "Sign and submit the quoted transaction",
			},
			&cli.StringFlag{
				Name:  "route",
				Usage: "Where to submit an executed swap: aggregator or rpc",
				Value: string(swap.RouteAggregator),
			},
			&cli.DurationFlag{
				Name:  "quote-ttl",
				Usage: "How long a quote may be executed after it was fetched",
				Value: swap.DefaultQuoteTTL,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Overall time limit",
				Value:   2 * time.Minute,
			},
		}, confirmFlags()...),
		Action: func(c *cli.Context) error {
			logger := newLogger(c)

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			opts := swap.Options{
				TTL:        c.Duration("quote-ttl"),
				Route:      swap.Route(c.String("route")),
				PollPolicy: pollPolicy(c),
			}

			taker := c.String("taker")
			execute := c.Bool("execute")

			var orchestrator *swap.Orchestrator
			agg := swap.NewAggregator(
				c.String("aggregator-url"),
				retryhttp.New("aggregator", retryhttp.WithLogger(logger)),
				retryhttp.DefaultPolicy(),
				logger,
			)
			if execute {
				solanaClient := getSolanaClient(c, logger)
				if opts.Route == swap.RouteRPC {
					opts.RPC = solana.NewRPCSubmitter(solanaClient, false)
				}
				s, err := loadSigner(c, logger, nil)
				if err != nil {
					return err
				}
				if taker == "" {
					taker = s.PublicKey().String()
				}
				orchestrator = swap.NewOrchestrator(agg, s, solana.NewPoller(solanaClient, nil, logger), opts, nil, logger)
			} else {
				// Quoting needs no wallet
				orchestrator = swap.NewOrchestrator(agg, nil, nil, opts, nil, logger)
			}

			quote, err := orchestrator.GetQuote(ctx, c.String("input-mint"), c.String("output-mint"), c.Uint64("amount"), taker)
			if err != nil {
				return err
			}
			if !execute {
				return render(c, quote, func(w io.Writer) { printQuote(w, quote) })
			}

			res, execErr := orchestrator.Execute(ctx, quote)
			if err := render(c, res, func(w io.Writer) { printSwapResult(w, quote, res) }); err != nil {
				return err
			}
			return execErr
		},
	}
}

func printQuote(w io.Writer, q *swap.SwapQuote) {
	fmt.Fprintf(w, "Request:     %s\n", q.RequestID)
	fmt.Fprintf(w, "Sell:        %d %s\n", q.AmountIn, q.InputMint)
	fmt.Fprintf(w, "Buy (est.):  %d %s\n", q.EstimatedAmountOut, q.OutputMint)
	if q.Taker != "" {
		fmt.Fprintf(w, "Taker:       %s\n", q.Taker)
	}
	fmt.Fprintf(w, "Expires:     %s\n", q.IssuedAt.Add(q.TTL).Format(time.RFC3339))
}

func printSwapResult(w io.Writer, q *swap.SwapQuote, res *swap.Result) {
	printQuote(w, q)
	fmt.Fprintf(w, "\nOutcome:     %s\n", res.Outcome)
	if res.Signature != "" {
		fmt.Fprintf(w, "Signature:   %s\n", res.Signature)
		fmt.Fprintf(w, "Status:      %s\n", res.Status)
	}
	printKind(w, 13, res.Kind, txerr.UserMessage(res.Kind))
}
