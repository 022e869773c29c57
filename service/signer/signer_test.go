package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransfer(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	ixs, err := txn.BuildTransfer(txn.ValidIntent{
		From:   payer,
		To:     solana.NewWallet().PublicKey(),
		Amount: decimal.RequireFromString("0.5"),
	}, txn.AccountState{})
	require.NoError(t, err)

	var hash solana.Hash
	hash[0] = 1
	unsigned, err := txn.NewAssembler(nil, nil).Assemble(context.Background(), ixs, payer, hash)
	require.NoError(t, err)
	tx, err := unsigned.Transaction()
	require.NoError(t, err)
	return tx
}

func newKeypair(t *testing.T) *KeypairSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return NewKeypairSigner(key)
}

type recordingSubmitter struct {
	calls int
	sig   solana.Signature
}

func (r *recordingSubmitter) Submit(ctx context.Context, tx *txn.SignedTransaction) (solana.Signature, error) {
	r.calls++
	if err := tx.MarkSubmitted(); err != nil {
		return solana.Signature{}, err
	}
	return tx.Signature()
}

func TestKeypairSigner_Sign(t *testing.T) {
	s := newKeypair(t)
	tx := newTransfer(t, s.PublicKey())

	signed, err := s.Sign(context.Background(), tx)
	require.NoError(t, err)

	sig, err := signed.Signature()
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures[0], sig)
	require.NoError(t, tx.VerifySignatures())
}

func TestKeypairSigner_SignForeignTransactionIsRejected(t *testing.T) {
	s := newKeypair(t)
	tx := newTransfer(t, solana.NewWallet().PublicKey())

	_, err := s.Sign(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, txerr.KindSigningRejected, txerr.Classify(err))
}

func TestKeypairSigner_SignMessage(t *testing.T) {
	s := newKeypair(t)
	msg := []byte("hello")

	raw, err := s.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, raw, solana.SignatureLength)
	assert.True(t, solana.SignatureFromBytes(raw).Verify(s.PublicKey(), msg))
}

func TestKeypairSigner_SignAndSend(t *testing.T) {
	sub := &recordingSubmitter{}
	s := newKeypair(t).WithSender("devnet", sub)

	sig, err := s.SignAndSend(context.Background(), newTransfer(t, s.PublicKey()), "devnet")
	require.NoError(t, err)
	assert.False(t, sig.IsZero())
	assert.Equal(t, 1, sub.calls)

	_, err = s.SignAndSend(context.Background(), newTransfer(t, s.PublicKey()), "mainnet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrSigningRejected))
	assert.Equal(t, 1, sub.calls)
}

// walletServer stands in for an embedded wallet provider, signing with key.
func walletServer(t *testing.T, key solana.PrivateKey, decline bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if decline {
			http.Error(w, "User rejected the request", http.StatusForbidden)
			return
		}
		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, key.PublicKey().String(), r.Header.Get("X-Wallet-Address"))

		switch r.URL.Path {
		case "/signTransaction":
			raw, err := txn.DecodeWire(req.Transaction)
			require.NoError(t, err)
			tx, err := txn.DecodeTransaction(raw)
			require.NoError(t, err)
			signed, err := NewKeypairSigner(key).Sign(r.Context(), tx)
			require.NoError(t, err)
			_ = json.NewEncoder(w).Encode(signResponse{SignedTransaction: signed.Base64()})
		case "/signMessage":
			msg, err := base58.Decode(req.Message)
			require.NoError(t, err)
			sig, err := key.Sign(msg)
			require.NoError(t, err)
			_ = json.NewEncoder(w).Encode(signResponse{Signature: sig.String()})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteSigner_Sign(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srv := walletServer(t, key, false)
	s := NewRemoteSigner(srv.URL, key.PublicKey(), nil, nil)

	tx := newTransfer(t, key.PublicKey())
	signed, err := s.Sign(context.Background(), tx)
	require.NoError(t, err)

	parsed, err := txn.DecodeTransaction(signed.Bytes())
	require.NoError(t, err)
	require.NoError(t, parsed.VerifySignatures())
}

func TestRemoteSigner_SignMessage(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srv := walletServer(t, key, false)
	s := NewRemoteSigner(srv.URL, key.PublicKey(), nil, nil)

	raw, err := s.SignMessage(context.Background(), []byte("login"))
	require.NoError(t, err)
	assert.True(t, solana.SignatureFromBytes(raw).Verify(key.PublicKey(), []byte("login")))
}

func TestRemoteSigner_Declined(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srv := walletServer(t, key, true)
	s := NewRemoteSigner(srv.URL, key.PublicKey(), nil, nil)

	_, err = s.Sign(context.Background(), newTransfer(t, key.PublicKey()))
	require.Error(t, err)

	var typed *txerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, txerr.KindSigningRejected, typed.Kind)
	assert.Equal(t, http.StatusForbidden, typed.Status)
	assert.Contains(t, typed.Message, "User rejected")
}

func TestRemoteSigner_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewRemoteSigner(url, solana.NewWallet().PublicKey(), nil, nil)
	_, err := s.SignMessage(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, txerr.KindSigningRejected, txerr.Classify(err))
}

// slowSigner tracks how many calls run at once.
type slowSigner struct {
	*KeypairSigner
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *slowSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		cur := s.maxSeen.Load()
		if n <= cur || s.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return s.KeypairSigner.SignMessage(ctx, msg)
}

func TestQueue_SerializesConcurrentRequests(t *testing.T) {
	inner := &slowSigner{KeypairSigner: newKeypair(t)}
	q := Serialize(inner, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.SignMessage(context.Background(), []byte("m"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, inner.maxSeen.Load())
}

type blockingSigner struct {
	*KeypairSigner
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	b.calls.Add(1)
	<-b.release
	return b.KeypairSigner.SignMessage(ctx, msg)
}

func TestQueue_WaitingCallerCanGiveUp(t *testing.T) {
	inner := &blockingSigner{KeypairSigner: newKeypair(t), release: make(chan struct{})}
	q := Serialize(inner, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := q.SignMessage(context.Background(), []byte("first"))
		done <- err
	}()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.SignMessage(ctx, []byte("second"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, inner.calls.Load(), "second caller never reached the wallet")

	close(inner.release)
	require.NoError(t, <-done)
}
