package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/brojonat/txpipe/service/signer"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// render writes v as JSON when --json or --jq is set and calls human
// otherwise.
func render(c *cli.Context, v interface{}, human func(w io.Writer)) error {
	w := c.App.Writer
	if filter := c.String("jq"); filter != "" {
		return writeJQ(w, filter, v)
	}
	if c.Bool("json") {
		return outputJSON(w, v)
	}
	human(w)
	return nil
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJQ runs filter over v and prints each result as one line of JSON.
func writeJQ(w io.Writer, filter string, v interface{}) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	// gojq only understands plain JSON values
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to decode output: %w", err)
	}

	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq filter %q failed: %w", filter, err)
		}
		line, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(line))
	}
}

// newLogger logs to stderr so stdout stays parseable.
func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	switch c.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadSigner returns the wallet named by the global flags, serialized so one
// prompt is outstanding at a time. --wallet-url selects an external wallet;
// otherwise the keypair comes from --private-key or --keypair-file. sender,
// when set, is where a local keypair submits in sign-and-send mode.
func loadSigner(c *cli.Context, logger *slog.Logger, sender txn.Submitter) (signer.Signer, error) {
	var s signer.Signer
	if walletURL := c.String("wallet-url"); walletURL != "" {
		address, err := txn.ParseAddress("wallet", c.String("wallet-address"))
		if err != nil {
			return nil, fmt.Errorf("%w (set WALLET_ADDRESS or use --wallet-address with --wallet-url)", err)
		}
		s = signer.NewRemoteSigner(walletURL, address, nil, logger)
	} else {
		kp, err := signer.LoadKeypairSigner(c.String("private-key"), c.String("keypair-file"))
		if err != nil {
			return nil, fmt.Errorf("%w (set WALLET_PRIVATE_KEY, WALLET_KEYPAIR_FILE or WALLET_URL)", err)
		}
		if sender != nil {
			kp.WithSender(c.String("network"), sender)
		}
		s = kp
	}
	return signer.Serialize(s, nil, logger), nil
}

// getSolanaClient builds an RPC client from the global flags.
func getSolanaClient(c *cli.Context, logger *slog.Logger) *solana.Client {
	rpcURL := c.String("rpc-url")
	return solana.NewClient(
		solana.NewRPCClient(rpcURL),
		solana.EndpointLabel(rpcURL),
		rpc.CommitmentType(c.String("commitment")),
		nil,
		logger,
	)
}

func pollPolicy(c *cli.Context) solana.PollPolicy {
	return solana.PollPolicy{
		Interval:    c.Duration("confirm-interval"),
		MaxAttempts: c.Int("confirm-attempts"),
	}
}

// confirmFlags bound how long a command polls for confirmation.
func confirmFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:  "confirm-interval",
			Usage: "Delay between confirmation polls",
			Value: solana.DefaultPollPolicy().Interval,
		},
		&cli.IntFlag{
			Name:  "confirm-attempts",
			Usage: "Confirmation polls before giving up with status unknown",
			Value: solana.DefaultPollPolicy().MaxAttempts,
		},
	}
}
