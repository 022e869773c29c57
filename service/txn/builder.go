package txn

import (
	"math"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
)

// AccountState is the on-chain state a token transfer depends on. It is
// fetched by the caller (see solana.AccountLookup) before building.
type AccountState struct {
	// SourceTokenAccount is the sender's token account for the mint, nil if
	// the sender holds none.
	SourceTokenAccount *solana.PublicKey
	Decimals           uint8
	// RecipientHasAssociatedAccount is false when the recipient's associated
	// token account must be created as part of the transfer.
	RecipientHasAssociatedAccount bool
}

var maxUint64 = decimal.NewFromUint64(math.MaxUint64)

// ToBaseUnits scales amount by 10^decimals and truncates. Results below one
// base unit or above uint64 are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	scaled := amount.Shift(int32(decimals)).Truncate(0)
	if scaled.LessThan(decimal.NewFromInt(1)) {
		return 0, txerr.ErrInvalidAmount.Withf("scale", "amount %s is below one base unit at %d decimals", amount, decimals)
	}
	if scaled.GreaterThan(maxUint64) {
		return 0, txerr.ErrInvalidAmount.Withf("scale", "amount %s overflows at %d decimals", amount, decimals)
	}
	return scaled.BigInt().Uint64(), nil
}

// BuildTransfer turns a validated intent into its ordered instruction list.
// It performs no I/O.
func BuildTransfer(intent ValidIntent, state AccountState) ([]Instruction, error) {
	if intent.IsNative() {
		return buildNativeTransfer(intent)
	}
	return buildTokenTransfer(intent, state)
}

func buildNativeTransfer(intent ValidIntent) ([]Instruction, error) {
	lamports, err := ToBaseUnits(intent.Amount, NativeDecimals)
	if err != nil {
		return nil, err
	}
	ix, err := FromSolana(system.NewTransferInstruction(lamports, intent.From, intent.To).Build())
	if err != nil {
		return nil, err
	}
	return []Instruction{ix}, nil
}

func buildTokenTransfer(intent ValidIntent, state AccountState) ([]Instruction, error) {
	if state.SourceTokenAccount == nil {
		return nil, txerr.ErrSourceAccountNotFound.Withf("build", "%s holds no token account for mint %s", intent.From, intent.Mint)
	}
	mint := *intent.Mint

	amount, err := ToBaseUnits(intent.Amount, state.Decimals)
	if err != nil {
		return nil, err
	}

	destination, _, err := solana.FindAssociatedTokenAddress(intent.To, mint)
	if err != nil {
		return nil, txerr.ErrInvalidAddress.With("build", err)
	}

	out := make([]Instruction, 0, 2)
	if !state.RecipientHasAssociatedAccount {
		create, err := FromSolana(associatedtokenaccount.NewCreateInstruction(intent.From, intent.To, mint).Build())
		if err != nil {
			return nil, err
		}
		out = append(out, create)
	}

	// The checked form makes the token program reject the transfer if the
	// mint's decimals differ from the ones amount was scaled with.
	transfer, err := FromSolana(token.NewTransferCheckedInstruction(
		amount,
		state.Decimals,
		*state.SourceTokenAccount,
		mint,
		destination,
		intent.From,
		nil,
	).Build())
	if err != nil {
		return nil, err
	}
	return append(out, transfer), nil
}
