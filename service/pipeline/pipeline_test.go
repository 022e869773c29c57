package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/signer"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	state txn.AccountState
	err   error
	calls atomic.Int32
}

func (f *fakeAccounts) TransferState(ctx context.Context, intent txn.ValidIntent) (txn.AccountState, error) {
	f.calls.Add(1)
	if f.err != nil {
		return txn.AccountState{}, f.err
	}
	if intent.IsNative() {
		return txn.AccountState{Decimals: txn.NativeDecimals}, nil
	}
	return f.state, nil
}

type fixedBlockhash struct{ hash solanago.Hash }

func (f fixedBlockhash) LatestBlockhash(ctx context.Context) (solanago.Hash, error) {
	return f.hash, nil
}

// statusSequence reports one status per poll; the last repeats.
type statusSequence struct {
	mu    sync.Mutex
	seq   []txn.ConfirmationStatus
	polls int
}

func (s *statusSequence) SignatureStatus(ctx context.Context, sig solanago.Signature) (txn.ConfirmationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.polls, len(s.seq)-1)
	s.polls++
	return s.seq[i], nil
}

type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []*txn.SignedTransaction
	err       error
}

func (r *recordingSubmitter) Submit(ctx context.Context, tx *txn.SignedTransaction) (solanago.Signature, error) {
	if err := tx.MarkSubmitted(); err != nil {
		return solanago.Signature{}, err
	}
	r.mu.Lock()
	r.submitted = append(r.submitted, tx)
	r.mu.Unlock()
	if r.err != nil {
		return solanago.Signature{}, r.err
	}
	return tx.Signature()
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

type stubConfirmer struct {
	status txn.ConfirmationStatus
	err    error
}

func (s stubConfirmer) Confirm(ctx context.Context, sig solanago.Signature, policy solana.PollPolicy) (txn.ConfirmationStatus, error) {
	return s.status, s.err
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
	wallets []string
}

func (f *fakeWatcher) Watch(ctx context.Context, sig solanago.Signature, wallet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, sig.String())
	f.wallets = append(f.wallets, wallet)
	return ctx.Err()
}

type env struct {
	key       solanago.PrivateKey
	accounts  *fakeAccounts
	submitter *recordingSubmitter
	pub       *natspkg.MockPublisher
	watcher   *fakeWatcher
	builder   *Builder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	var hash solanago.Hash
	hash[0] = 42
	e := &env{
		key:       solanago.NewWallet().PrivateKey,
		accounts:  &fakeAccounts{},
		submitter: &recordingSubmitter{},
		pub:       natspkg.NewMockPublisher(),
		watcher:   &fakeWatcher{},
	}
	e.builder = NewBuilder(e.accounts, txn.NewAssembler(fixedBlockhash{hash: hash}, nil))
	return e
}

func (e *env) pipeline(t *testing.T, s signer.Signer, confirmer Confirmer, cfg Config) *Pipeline {
	t.Helper()
	cfg.Publisher = e.pub
	cfg.Watcher = e.watcher
	p, err := New(e.builder, s, confirmer, cfg, nil, nil)
	require.NoError(t, err)
	return p
}

func (e *env) nativeIntent(amount string) txn.TransferIntent {
	return txn.TransferIntent{
		From:   e.key.PublicKey().String(),
		To:     solanago.NewWallet().PublicKey().String(),
		Amount: decimal.RequireFromString(amount),
	}
}

func TestSend_NativeTransferConfirmed(t *testing.T) {
	e := newEnv(t)
	source := &statusSequence{seq: []txn.ConfirmationStatus{txn.StatusUnknown, txn.StatusProcessed, txn.StatusConfirmed}}
	poller := solana.NewPoller(source, nil, nil)
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), poller, Config{
		Mode:       ModeSignThenSubmit,
		Submitter:  e.submitter,
		PollPolicy: solana.PollPolicy{Interval: 2 * time.Millisecond, MaxAttempts: 30},
	})

	res, err := p.Send(context.Background(), e.nativeIntent("0.01"))
	require.NoError(t, err)

	assert.Equal(t, txn.StageConfirmed, res.Stage)
	assert.Equal(t, txn.StatusConfirmed, res.Status)
	assert.Equal(t, txerr.KindNone, res.Kind)
	assert.NotEmpty(t, res.PipelineID)
	require.Equal(t, 1, e.submitter.count())

	tx, err := txn.DecodeTransaction(e.submitter.submitted[0].Bytes())
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	require.Len(t, tx.Message.Instructions, 1)
	data := tx.Message.Instructions[0].Data
	assert.Equal(t, uint64(10_000_000), binary.LittleEndian.Uint64(data[4:12]))
	assert.Equal(t, res.Signature, tx.Signatures[0].String())

	assert.Equal(t,
		[]string{"validated", "built", "signed", "submitted", "confirmed"},
		e.pub.Stages(res.PipelineID),
	)
	assert.Empty(t, e.watcher.watched)
}

func TestSend_ValidationBeforeNetwork(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), stubConfirmer{}, Config{Submitter: e.submitter})

	intent := e.nativeIntent("0")
	res, err := p.Send(context.Background(), intent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrInvalidAmount))
	assert.Equal(t, txn.StageRejected, res.Stage)
	assert.Equal(t, txerr.KindValidation, res.Kind)
	assert.Equal(t, int32(0), e.accounts.calls.Load())
	assert.Equal(t, 0, e.submitter.count())
}

func TestSend_FeePayerMustBeSigner(t *testing.T) {
	e := newEnv(t)
	other := signer.NewKeypairSigner(solanago.NewWallet().PrivateKey)
	p := e.pipeline(t, other, stubConfirmer{status: txn.StatusConfirmed}, Config{Submitter: e.submitter})

	_, err := p.Send(context.Background(), e.nativeIntent("1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrFeePayerMismatch))
	assert.Equal(t, 0, e.submitter.count())
}

func TestSend_SignAndSendModeNeverUsesSubmitter(t *testing.T) {
	e := newEnv(t)
	walletSender := &recordingSubmitter{}
	s := signer.NewKeypairSigner(e.key).WithSender("devnet", walletSender)
	p := e.pipeline(t, s, stubConfirmer{status: txn.StatusFinalized}, Config{
		Mode:      ModeSignAndSend,
		Network:   "devnet",
		Submitter: e.submitter,
	})

	res, err := p.Send(context.Background(), e.nativeIntent("0.5"))
	require.NoError(t, err)
	assert.Equal(t, txn.StageFinalized, res.Stage)
	assert.Equal(t, 1, walletSender.count())
	assert.Equal(t, 0, e.submitter.count())
	assert.Equal(t,
		[]string{"validated", "built", "submitted", "finalized"},
		e.pub.Stages(res.PipelineID),
	)
}

func TestNew_SignThenSubmitNeedsSubmitter(t *testing.T) {
	e := newEnv(t)
	_, err := New(e.builder, signer.NewKeypairSigner(e.key), stubConfirmer{}, Config{Mode: ModeSignThenSubmit}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrModeViolation))
}

func TestSend_UnconfirmedIsNotFailure(t *testing.T) {
	tests := []struct {
		name      string
		confirmer stubConfirmer
	}{
		{name: "polling exhausted", confirmer: stubConfirmer{status: txn.StatusUnknown}},
		{name: "caller gave up", confirmer: stubConfirmer{status: txn.StatusUnknown, err: context.Canceled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			p := e.pipeline(t, signer.NewKeypairSigner(e.key), tt.confirmer, Config{Submitter: e.submitter})

			res, err := p.Send(context.Background(), e.nativeIntent("1"))
			require.NoError(t, err)
			assert.Equal(t, txn.StageUnknown, res.Stage)
			assert.Equal(t, txerr.KindConfirmationUnknown, res.Kind)
			assert.False(t, txerr.IsFailure(res.Kind))
			assert.Equal(t, []string{res.Signature}, e.watcher.watched)
			assert.Equal(t, []string{e.key.PublicKey().String()}, e.watcher.wallets)
		})
	}
}

func TestSend_WatchSurvivesCanceledCaller(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel as soon as the transaction is submitted.
	canceling := &cancelOnConfirm{cancel: cancel}
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), canceling, Config{Submitter: e.submitter})

	res, err := p.Send(ctx, e.nativeIntent("1"))
	require.NoError(t, err)
	assert.Equal(t, txn.StageUnknown, res.Stage)
	require.Len(t, e.watcher.watched, 1, "watch handoff uses a live context")
}

type cancelOnConfirm struct{ cancel context.CancelFunc }

func (c *cancelOnConfirm) Confirm(ctx context.Context, sig solanago.Signature, policy solana.PollPolicy) (txn.ConfirmationStatus, error) {
	c.cancel()
	return txn.StatusUnknown, ctx.Err()
}

func TestSend_FailedOnChain(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), stubConfirmer{status: txn.StatusFailed}, Config{Submitter: e.submitter})

	res, err := p.Send(context.Background(), e.nativeIntent("1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrTransactionFailed))
	assert.Equal(t, txn.StageFailed, res.Stage)
	assert.NotEmpty(t, res.Signature)
}

func TestSend_SubmitRejected(t *testing.T) {
	e := newEnv(t)
	rejected := txerr.ErrRelayRejected.Withf("submit", "blockhash expired")
	rejected.Status = 400
	e.submitter.err = rejected
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), stubConfirmer{status: txn.StatusConfirmed}, Config{Submitter: e.submitter})

	res, err := p.Send(context.Background(), e.nativeIntent("1"))
	require.Error(t, err)
	assert.Equal(t, txerr.KindRelayRejected, res.Kind)
	assert.Equal(t, txn.StageRejected, res.Stage)
	assert.Equal(t, 1, e.submitter.count(), "no resend")

	events := e.pub.GetPublishedEvents()
	last := events[len(events)-1]
	assert.Equal(t, "rejected", last.Stage)
	assert.Equal(t, "relay_rejected", last.ErrorKind)
	assert.Contains(t, last.Message, "blockhash expired")
}

func TestSend_SubmitOutcomeUnclear(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantStage txn.Stage
		wantKind  txerr.Kind
	}{
		{name: "response lost", err: txerr.ErrNetwork.With("submit", io.ErrUnexpectedEOF), wantStage: txn.StageUnknown, wantKind: txerr.KindConfirmationUnknown},
		{name: "caller gave up mid submit", err: context.Canceled, wantStage: txn.StageUnknown, wantKind: txerr.KindConfirmationUnknown},
		{name: "rate limited", err: txerr.ErrRateLimitExceeded.Withf("submit", "429"), wantStage: txn.StageRejected, wantKind: txerr.KindRateLimited},
		{name: "simulation failed", err: txerr.ErrSimulation.Withf("submit", "insufficient funds"), wantStage: txn.StageRejected, wantKind: txerr.KindSimulation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.submitter.err = tt.err
			confirmer := &countingConfirmer{}
			p := e.pipeline(t, signer.NewKeypairSigner(e.key), confirmer, Config{Submitter: e.submitter})

			res, err := p.Send(context.Background(), e.nativeIntent("1"))
			assert.Equal(t, tt.wantStage, res.Stage)
			assert.Equal(t, tt.wantKind, res.Kind)
			require.Equal(t, 1, e.submitter.count(), "no resend")
			assert.Equal(t, 0, confirmer.calls)

			if tt.wantStage == txn.StageRejected {
				require.Error(t, err)
				assert.Empty(t, res.Signature)
				assert.Empty(t, e.watcher.watched)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, txn.StatusUnknown, res.Status)
			sig, serr := e.submitter.submitted[0].Signature()
			require.NoError(t, serr)
			assert.Equal(t, sig.String(), res.Signature)
			assert.Equal(t, []string{res.Signature}, e.watcher.watched)
			assert.Equal(t,
				[]string{"validated", "built", "signed", "submitted", "unknown"},
				e.pub.Stages(res.PipelineID),
			)
		})
	}
}

type countingConfirmer struct{ calls int }

func (c *countingConfirmer) Confirm(ctx context.Context, sig solanago.Signature, policy solana.PollPolicy) (txn.ConfirmationStatus, error) {
	c.calls++
	return txn.StatusConfirmed, nil
}

func TestSend_NodeDropsConnectionAfterSend(t *testing.T) {
	var sends atomic.Int32
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if bytes.Contains(body, []byte("sendTransaction")) {
			sends.Add(1)
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
		}
	}))
	t.Cleanup(node.Close)

	client := solana.NewClient(solana.NewRPCClient(node.URL), "test", rpc.CommitmentConfirmed, nil, nil)
	e := newEnv(t)
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), &countingConfirmer{}, Config{
		Submitter: solana.NewRPCSubmitter(client, false),
	})

	res, err := p.Send(context.Background(), e.nativeIntent("0.25"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), sends.Load())
	assert.Equal(t, txn.StageUnknown, res.Stage)
	assert.Equal(t, txerr.KindConfirmationUnknown, res.Kind)
	require.NotEmpty(t, res.Signature)
	assert.Equal(t, []string{res.Signature}, e.watcher.watched)
}

func TestSend_CanceledBeforeSubmit(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), stubConfirmer{}, Config{Submitter: e.submitter})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Send(ctx, e.nativeIntent("1"))
	require.Error(t, err)
	assert.Equal(t, txerr.KindCanceled, res.Kind)
	assert.Equal(t, 0, e.submitter.count())
}

func TestSend_PublishFailureDoesNotFailPipeline(t *testing.T) {
	e := newEnv(t)
	e.pub.SetPublishError(errors.New("nats unavailable"))
	p := e.pipeline(t, signer.NewKeypairSigner(e.key), stubConfirmer{status: txn.StatusConfirmed}, Config{Submitter: e.submitter})

	res, err := p.Send(context.Background(), e.nativeIntent("1"))
	require.NoError(t, err)
	assert.Equal(t, txn.StageConfirmed, res.Stage)
}

func TestBuilder_TokenTransferToNewRecipient(t *testing.T) {
	e := newEnv(t)
	source := solanago.NewWallet().PublicKey()
	e.accounts.state = txn.AccountState{SourceTokenAccount: &source, Decimals: 6}
	mint := solanago.NewWallet().PublicKey()

	intent := e.nativeIntent("2.5")
	intent.Mint = mint.String()

	unsigned, err := e.builder.Prepare(context.Background(), intent)
	require.NoError(t, err)
	require.Len(t, unsigned.Instructions, 2)
	assert.Equal(t, solanago.SPLAssociatedTokenAccountProgramID, unsigned.Instructions[0].ProgramID())
	assert.Equal(t, solanago.TokenProgramID, unsigned.Instructions[1].ProgramID())
	assert.Equal(t, e.key.PublicKey(), unsigned.FeePayer)
	assert.False(t, unsigned.Blockhash.IsZero())

	tx, err := unsigned.Transaction()
	require.NoError(t, err)
	assert.Len(t, tx.Message.Instructions, 2)
}

func TestBuilder_LookupFailure(t *testing.T) {
	e := newEnv(t)
	e.accounts.err = txerr.ErrNetwork.Withf("lookup", "connection refused")

	_, err := e.builder.Prepare(context.Background(), e.nativeIntent("1"))
	require.Error(t, err)
	assert.Equal(t, txerr.KindNetwork, txerr.Classify(err))
}
