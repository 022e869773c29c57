package solana

import (
	"context"
	"fmt"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// AccountLookup fetches the on-chain state a transfer needs before its
// instructions can be built.
type AccountLookup struct {
	client *Client
}

// NewAccountLookup creates an AccountLookup.
func NewAccountLookup(client *Client) *AccountLookup {
	return &AccountLookup{client: client}
}

// TransferState resolves the sender's token account, the mint's decimals
// and whether the recipient already has an associated token account.
// Native transfers need no lookup.
func (l *AccountLookup) TransferState(ctx context.Context, intent txn.ValidIntent) (txn.AccountState, error) {
	if intent.IsNative() {
		return txn.AccountState{Decimals: txn.NativeDecimals}, nil
	}
	mint := *intent.Mint

	decimals, err := l.MintDecimals(ctx, mint)
	if err != nil {
		return txn.AccountState{}, err
	}

	source, err := l.client.firstTokenAccount(ctx, intent.From, mint)
	if err != nil {
		return txn.AccountState{}, fmt.Errorf("failed to get source token account: %w", err)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(intent.To, mint)
	if err != nil {
		return txn.AccountState{}, txerr.ErrInvalidAddress.With("lookup", err)
	}
	_, exists, err := l.client.accountData(ctx, ata)
	if err != nil {
		return txn.AccountState{}, fmt.Errorf("failed to check recipient token account: %w", err)
	}

	l.client.logger.DebugContext(ctx, "resolved transfer accounts",
		"mint", mint.String(),
		"decimals", decimals,
		"source_found", source != nil,
		"recipient_ata", ata.String(),
		"recipient_ata_exists", exists,
	)

	return txn.AccountState{
		SourceTokenAccount:            source,
		Decimals:                      decimals,
		RecipientHasAssociatedAccount: exists,
	}, nil
}

// MintDecimals reads the decimal count from the mint account.
func (l *AccountLookup) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	data, found, err := l.client.accountData(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	if !found {
		return 0, txerr.ErrInvalidAddress.Withf("lookup", "mint %s does not exist", mint)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(data).Decode(&m); err != nil {
		return 0, txerr.ErrInvalidAddress.With("lookup", fmt.Errorf("account %s is not a token mint: %w", mint, err))
	}
	return m.Decimals, nil
}
