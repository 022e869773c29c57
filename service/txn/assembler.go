package txn

import (
	"context"
	"io"
	"log/slog"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/gagliardetto/solana-go"
)

// BlockhashSource fetches a recent blockhash from the network.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// Assembler combines instructions, a fee payer and a blockhash into an
// UnsignedTransaction.
type Assembler struct {
	blockhashes BlockhashSource
	logger      *slog.Logger
}

// NewAssembler creates an Assembler. source may be nil, in which case every
// call must supply a blockhash.
func NewAssembler(source BlockhashSource, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Assembler{blockhashes: source, logger: logger}
}

// Assemble validates its inputs and returns the unsigned transaction. A zero
// blockhash is fetched from the source once; the fetch is not retried.
func (a *Assembler) Assemble(
	ctx context.Context,
	instructions []Instruction,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (*UnsignedTransaction, error) {
	if len(instructions) == 0 {
		return nil, txerr.ErrEmptyInstructionSet.Withf("assemble", "no instructions to assemble")
	}
	if feePayer.IsZero() {
		return nil, txerr.ErrMissingFeePayer.Withf("assemble", "fee payer is required")
	}

	if blockhash.IsZero() {
		if a.blockhashes == nil {
			return nil, txerr.ErrMissingFreshnessToken.Withf("assemble", "no blockhash supplied and no source configured")
		}
		fetched, err := a.blockhashes.LatestBlockhash(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "failed to fetch latest blockhash", "error", err)
			return nil, txerr.ErrMissingFreshnessToken.With("assemble", err)
		}
		if fetched.IsZero() {
			return nil, txerr.ErrMissingFreshnessToken.Withf("assemble", "network returned an empty blockhash")
		}
		blockhash = fetched
	}

	a.logger.DebugContext(ctx, "assembled transaction",
		"instructions", len(instructions),
		"fee_payer", feePayer.String(),
		"blockhash", blockhash.String(),
	)

	return &UnsignedTransaction{
		Instructions: append([]Instruction(nil), instructions...),
		FeePayer:     feePayer,
		Blockhash:    blockhash,
	}, nil
}
