// Package signer defines the wallet capability the pipeline signs through,
// and the implementations the binaries wire in.
package signer

import (
	"context"

	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
)

// Signer is an externally controlled wallet. Every method may block on user
// approval. Private key material never crosses this interface.
type Signer interface {
	// PublicKey is the wallet address that signs and pays fees.
	PublicKey() solana.PublicKey

	// Sign returns the signed wire transaction. A declined or unreachable
	// wallet yields txerr.ErrSigningRejected.
	Sign(ctx context.Context, tx *solana.Transaction) (*txn.SignedTransaction, error)

	SignAll(ctx context.Context, txs []*solana.Transaction) ([]*txn.SignedTransaction, error)

	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// SignAndSend signs and submits in one call, for providers that own the
	// RPC relationship. network names the cluster ("mainnet", "devnet").
	SignAndSend(ctx context.Context, tx *solana.Transaction, network string) (solana.Signature, error)
}
