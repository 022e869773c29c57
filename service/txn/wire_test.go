package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedFixture builds and signs a native transfer with a throwaway key.
func signedFixture(t *testing.T) (*solana.Transaction, solana.PrivateKey) {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	intent := ValidIntent{From: key.PublicKey(), To: newKey(t), Amount: decimal.RequireFromString("0.25")}
	ixs, err := BuildTransfer(intent, AccountState{})
	require.NoError(t, err)

	unsigned, err := NewAssembler(nil, nil).Assemble(context.Background(), ixs, key.PublicKey(), solana.HashFromBytes(make32(7)))
	require.NoError(t, err)

	tx, err := unsigned.Transaction()
	require.NoError(t, err)
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)
	return tx, key
}

func make32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestWireRoundTripIsByteExact(t *testing.T) {
	tx, _ := signedFixture(t)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	encoded := EncodeWire(raw)

	decoded, err := DecodeWire(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
	assert.Equal(t, encoded, EncodeWire(decoded))

	signed, err := NewSignedTransaction(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, signed.Base64())

	parsed, err := DecodeTransaction(decoded)
	require.NoError(t, err)
	reencoded, err := parsed.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, raw, reencoded)
}

func TestSignedTransactionSignature(t *testing.T) {
	tx, _ := signedFixture(t)
	signed, err := SignedFromTransaction(tx)
	require.NoError(t, err)

	sig, err := signed.Signature()
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures[0], sig)
}

func TestSignedTransactionSubmitsOnce(t *testing.T) {
	tx, _ := signedFixture(t)
	signed, err := SignedFromTransaction(tx)
	require.NoError(t, err)

	require.NoError(t, signed.MarkSubmitted())
	assert.True(t, signed.Submitted())

	err = signed.MarkSubmitted()
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrAlreadySubmitted))
}

func TestSignedTransactionBytesAreCopied(t *testing.T) {
	signed, err := NewSignedTransaction([]byte{1, 2, 3})
	require.NoError(t, err)

	b := signed.Bytes()
	b[0] = 42
	assert.Equal(t, []byte{1, 2, 3}, signed.Bytes())
}

func TestDecodeWireRejectsGarbage(t *testing.T) {
	_, err := DecodeWire("")
	assert.True(t, errors.Is(err, txerr.ErrInvalidWire))

	_, err = DecodeWire("%%%not base64")
	assert.True(t, errors.Is(err, txerr.ErrInvalidWire))

	_, err = DecodeTransaction([]byte{0x01})
	assert.True(t, errors.Is(err, txerr.ErrInvalidWire))
}

func TestCheckFeePayer(t *testing.T) {
	tx, key := signedFixture(t)

	require.NoError(t, CheckFeePayer(tx, key.PublicKey()))

	err := CheckFeePayer(tx, newKey(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrFeePayerMismatch))
	assert.Equal(t, txerr.KindValidation, txerr.Classify(err))
}
