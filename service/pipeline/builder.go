// Package pipeline runs a transfer intent through validation, account
// lookup, instruction building, assembly, signing, submission and
// confirmation, strictly in that order.
package pipeline

import (
	"context"
	"fmt"

	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
)

// AccountResolver fetches the on-chain state a transfer needs.
// *solana.AccountLookup implements it.
type AccountResolver interface {
	TransferState(ctx context.Context, intent txn.ValidIntent) (txn.AccountState, error)
}

// Builder turns a transfer intent into an unsigned transaction. It is shared
// by the send pipeline and the relay's instruction endpoint.
type Builder struct {
	accounts  AccountResolver
	assembler *txn.Assembler
}

// NewBuilder creates a Builder.
func NewBuilder(accounts AccountResolver, assembler *txn.Assembler) *Builder {
	return &Builder{accounts: accounts, assembler: assembler}
}

// Prepare validates intent, resolves account state, builds the ordered
// instructions and assembles them with the sender as fee payer. Validation
// errors are returned before any network call.
func (b *Builder) Prepare(ctx context.Context, intent txn.TransferIntent) (*txn.UnsignedTransaction, error) {
	valid, err := intent.Validate()
	if err != nil {
		return nil, err
	}
	return b.PrepareValid(ctx, valid, solanago.Hash{})
}

// PrepareValid is Prepare for an already validated intent. A zero blockhash
// is fetched by the assembler.
func (b *Builder) PrepareValid(ctx context.Context, intent txn.ValidIntent, blockhash solanago.Hash) (*txn.UnsignedTransaction, error) {
	state, err := b.accounts.TransferState(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account state: %w", err)
	}
	ixs, err := txn.BuildTransfer(intent, state)
	if err != nil {
		return nil, err
	}
	return b.assembler.Assemble(ctx, ixs, intent.From, blockhash)
}
