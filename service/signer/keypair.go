package signer

import (
	"context"
	"fmt"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
)

// KeypairSigner signs with a local key. It backs the CLI and tests; wallet
// apps use RemoteSigner.
type KeypairSigner struct {
	key     solana.PrivateKey
	senders map[string]txn.Submitter
}

// NewKeypairSigner creates a signer for key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key, senders: map[string]txn.Submitter{}}
}

// LoadKeypairSigner reads a base58 private key, or a solana-keygen JSON file
// when path is set instead.
func LoadKeypairSigner(base58Key, path string) (*KeypairSigner, error) {
	var (
		key solana.PrivateKey
		err error
	)
	switch {
	case base58Key != "":
		key, err = solana.PrivateKeyFromBase58(base58Key)
	case path != "":
		key, err = solana.PrivateKeyFromSolanaKeygenFile(path)
	default:
		return nil, fmt.Errorf("no private key or keypair file configured")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	return NewKeypairSigner(key), nil
}

// WithSender registers the submitter SignAndSend uses for network.
func (k *KeypairSigner) WithSender(network string, s txn.Submitter) *KeypairSigner {
	k.senders[network] = s
	return k
}

func (k *KeypairSigner) PublicKey() solana.PublicKey {
	return k.key.PublicKey()
}

func (k *KeypairSigner) Sign(ctx context.Context, tx *solana.Transaction) (*txn.SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub := k.key.PublicKey()
	_, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(pub) {
			return &k.key
		}
		return nil
	})
	if err != nil {
		return nil, txerr.ErrSigningRejected.With("sign", err)
	}
	return txn.SignedFromTransaction(tx)
}

func (k *KeypairSigner) SignAll(ctx context.Context, txs []*solana.Transaction) ([]*txn.SignedTransaction, error) {
	out := make([]*txn.SignedTransaction, 0, len(txs))
	for i, tx := range txs {
		signed, err := k.Sign(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		out = append(out, signed)
	}
	return out, nil
}

func (k *KeypairSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := k.key.Sign(msg)
	if err != nil {
		return nil, txerr.ErrSigningRejected.With("sign_message", err)
	}
	return sig[:], nil
}

func (k *KeypairSigner) SignAndSend(ctx context.Context, tx *solana.Transaction, network string) (solana.Signature, error) {
	sender, ok := k.senders[network]
	if !ok {
		return solana.Signature{}, txerr.ErrSigningRejected.Withf("sign_and_send", "no sender configured for network %q", network)
	}
	signed, err := k.Sign(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	return sender.Submit(ctx, signed)
}
