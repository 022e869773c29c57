package txn

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/brojonat/txpipe/service/txerr"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SignedTransaction is the opaque wire form produced by a signer. The bytes
// are never mutated, and a value can be handed to a submitter only once.
type SignedTransaction struct {
	wire []byte
	sent atomic.Bool
}

// NewSignedTransaction wraps wire bytes returned by a signer.
func NewSignedTransaction(wire []byte) (*SignedTransaction, error) {
	if len(wire) == 0 {
		return nil, txerr.ErrInvalidWire.Withf("wrap", "empty wire transaction")
	}
	return &SignedTransaction{wire: append([]byte(nil), wire...)}, nil
}

// SignedFromTransaction serializes a signed solana transaction. This is the
// only place a transaction is serialized.
func SignedFromTransaction(tx *solana.Transaction) (*SignedTransaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return NewSignedTransaction(raw)
}

// Bytes returns a copy of the wire bytes.
func (s *SignedTransaction) Bytes() []byte {
	return append([]byte(nil), s.wire...)
}

// Base64 returns the wire bytes in the encoding used by relays and aggregators.
func (s *SignedTransaction) Base64() string {
	return EncodeWire(s.wire)
}

// Signature reads the first (fee payer) signature from the wire bytes.
func (s *SignedTransaction) Signature() (solana.Signature, error) {
	dec := bin.NewBinDecoder(s.wire)
	n, err := dec.ReadCompactU16()
	if err != nil {
		return solana.Signature{}, txerr.ErrInvalidWire.With("signature", err)
	}
	if n == 0 {
		return solana.Signature{}, txerr.ErrInvalidWire.Withf("signature", "transaction carries no signatures")
	}
	raw, err := dec.ReadNBytes(solana.SignatureLength)
	if err != nil {
		return solana.Signature{}, txerr.ErrInvalidWire.With("signature", err)
	}
	return solana.SignatureFromBytes(raw), nil
}

// MarkSubmitted claims the transaction for a single submission. The second
// and later calls fail with ErrAlreadySubmitted.
func (s *SignedTransaction) MarkSubmitted() error {
	if !s.sent.CompareAndSwap(false, true) {
		return txerr.ErrAlreadySubmitted.Withf("submit", "signed transaction was already sent; re-sign with a fresh blockhash")
	}
	return nil
}

// Submitted reports whether MarkSubmitted has succeeded.
func (s *SignedTransaction) Submitted() bool {
	return s.sent.Load()
}

// EncodeWire encodes wire bytes as standard base64.
func EncodeWire(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeWire decodes a base64 wire transaction without interpreting it.
func DecodeWire(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, txerr.ErrInvalidWire.Withf("decode", "empty payload")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, txerr.ErrInvalidWire.With("decode", err)
	}
	return raw, nil
}

// DecodeTransaction parses wire bytes into a solana transaction, for payloads
// that still need signing (swap quotes, relay-built transactions).
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, txerr.ErrInvalidWire.With("decode", err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, txerr.ErrInvalidWire.Withf("decode", "transaction has no account keys")
	}
	return tx, nil
}

// FeePayer returns the account that pays for tx.
func FeePayer(tx *solana.Transaction) (solana.PublicKey, error) {
	if tx == nil || len(tx.Message.AccountKeys) == 0 {
		return solana.PublicKey{}, txerr.ErrMissingFeePayer.Withf("fee_payer", "transaction has no account keys")
	}
	return tx.Message.AccountKeys[0], nil
}

// CheckFeePayer fails unless tx is paid for by signer.
func CheckFeePayer(tx *solana.Transaction, signer solana.PublicKey) error {
	payer, err := FeePayer(tx)
	if err != nil {
		return err
	}
	if !payer.Equals(signer) {
		return txerr.ErrFeePayerMismatch.Withf("fee_payer", "fee payer %s does not match signer %s", payer, signer)
	}
	return nil
}
