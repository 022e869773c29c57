package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Flags read their EnvVars while parsing, so .env must be loaded first
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "txpipe",
		Usage: "Solana wallet transaction pipeline CLI",
		Description: `A command-line wallet for sending transfers and swaps through the txpipe pipeline.

Transfers are built, signed with a local keypair, submitted and confirmed. Use
--relay-url to let a relay server build and submit instead of talking to RPC.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			sendCommand(),
			swapCommand(),
			statusCommand(),
			assetsCommand(),
			signMessageCommand(),
			// Durable confirmation watches
			{
				Name:  "watch",
				Usage: "Temporal confirmation watch commands",
				Subcommands: []*cli.Command{
					watchStartCommand(),
					watchResultCommand(),
				},
			},
			// NATS pipeline event commands
			{
				Name:  "events",
				Usage: "NATS pipeline event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Relay server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL",
				EnvVars: []string{"SOLANA_RPC_URL"},
				Value:   "https://api.mainnet-beta.solana.com",
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Solana network (mainnet or devnet)",
				EnvVars: []string{"SOLANA_NETWORK"},
				Value:   "mainnet",
			},
			&cli.StringFlag{
				Name:    "commitment",
				Usage:   "Commitment used for RPC reads (processed, confirmed, finalized)",
				EnvVars: []string{"SOLANA_COMMITMENT"},
				Value:   "confirmed",
			},
			&cli.StringFlag{
				Name:    "relay-url",
				Usage:   "Relay server URL; when set, transfers are built and submitted by the relay",
				EnvVars: []string{"RELAY_URL"},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Base58 private key of the signing wallet",
				EnvVars: []string{"WALLET_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "keypair-file",
				Usage:   "solana-keygen JSON keypair file, used when --private-key is empty",
				EnvVars: []string{"WALLET_KEYPAIR_FILE"},
			},
			&cli.StringFlag{
				Name:    "wallet-url",
				Usage:   "Base URL of an external wallet that signs on the user's behalf",
				EnvVars: []string{"WALLET_URL"},
			},
			&cli.StringFlag{
				Name:    "wallet-address",
				Usage:   "Address of the external wallet at --wallet-url",
				EnvVars: []string{"WALLET_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "aggregator-url",
				Usage:   "Swap aggregator base URL",
				EnvVars: []string{"AGGREGATOR_URL"},
				Value:   "https://lite-api.jup.ag/ultra/v1",
			},
			&cli.StringFlag{
				Name:    "oracle-url",
				Usage:   "Asset oracle base URL",
				EnvVars: []string{"ORACLE_URL"},
				Value:   "https://public-api.birdeye.so/v1",
			},
			&cli.StringFlag{
				Name:    "oracle-api-key",
				Usage:   "Asset oracle API key",
				EnvVars: []string{"ORACLE_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the confirmation worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "txpipe-confirmation-watch",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for stderr logs (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "error",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to the JSON output",
			},
		},
	}
}
