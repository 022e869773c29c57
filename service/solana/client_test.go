package solana

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	blockhash solana.Hash
	sendSig   solana.Signature
	sendErr   error
	sends     [][]byte

	// statuses is consumed one entry per poll; the last entry repeats.
	statuses   []*rpc.SignatureStatusesResult
	statusErrs []error
	polls      int

	tokenAccounts map[solana.PublicKey][]*rpc.TokenAccount
	accounts      map[solana.PublicKey][]byte
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash}}, nil
}

func (m *mockRPCClient) SendRawTransactionWithOpts(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, raw)
	return m.sendSig, m.sendErr
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.polls
	m.polls++
	if i < len(m.statusErrs) && m.statusErrs[i] != nil {
		return nil, m.statusErrs[i]
	}
	if len(m.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{m.statuses[i]}}, nil
}

func (m *mockRPCClient) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	return &rpc.GetTokenAccountsResult{Value: m.tokenAccounts[owner]}, nil
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	data, ok := m.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}}, nil
}

func (m *mockRPCClient) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, "test", rpc.CommitmentConfirmed, nil, logger)
}

func status(s rpc.ConfirmationStatusType) *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{ConfirmationStatus: s}
}

func testSignature() solana.Signature {
	var sig solana.Signature
	sig[0] = 7
	return sig
}

func TestSignatureStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		result *rpc.SignatureStatusesResult
		want   txn.ConfirmationStatus
	}{
		{name: "not seen", result: nil, want: txn.StatusUnknown},
		{name: "processed", result: status(rpc.ConfirmationStatusProcessed), want: txn.StatusProcessed},
		{name: "confirmed", result: status(rpc.ConfirmationStatusConfirmed), want: txn.StatusConfirmed},
		{name: "finalized", result: status(rpc.ConfirmationStatusFinalized), want: txn.StatusFinalized},
		{name: "on-chain error", result: &rpc.SignatureStatusesResult{
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
			Err:                map[string]any{"InstructionError": []any{0, "Custom"}},
		}, want: txn.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{tt.result}}
			got, err := newTestClient(mock).SignatureStatus(context.Background(), testSignature())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLatestBlockhash(t *testing.T) {
	var hash solana.Hash
	hash[3] = 9
	got, err := newTestClient(&mockRPCClient{blockhash: hash}).LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestRPCSubmitter_SubmitsOnce(t *testing.T) {
	mock := &mockRPCClient{sendSig: testSignature()}
	sub := NewRPCSubmitter(newTestClient(mock), false)

	signed, err := txn.NewSignedTransaction([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	sig, err := sub.Submit(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, testSignature(), sig)
	require.Len(t, mock.sends, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, mock.sends[0])

	_, err = sub.Submit(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, txerr.ErrAlreadySubmitted))
	assert.Len(t, mock.sends, 1, "no second network write")
}

func TestRPCSubmitter_ClassifiesNodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind txerr.Kind
	}{
		{
			name:     "stale blockhash",
			err:      &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"},
			wantKind: txerr.KindSimulation,
		},
		{
			name:     "invalid params",
			err:      &jsonrpc.RPCError{Code: -32602, Message: "invalid transaction: could not deserialize"},
			wantKind: txerr.KindRelayRejected,
		},
		{
			name:     "connection reset",
			err:      errors.New("read tcp: connection reset by peer"),
			wantKind: txerr.KindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockRPCClient{sendErr: tt.err}
			signed, err := txn.NewSignedTransaction([]byte{1})
			require.NoError(t, err)

			_, err = NewRPCSubmitter(newTestClient(mock), false).Submit(context.Background(), signed)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, txerr.Classify(err))
			assert.Len(t, mock.sends, 1)
		})
	}
}

func TestRPCSubmitter_KeepsNodeMessage(t *testing.T) {
	mock := &mockRPCClient{sendErr: &jsonrpc.RPCError{Code: -32602, Message: "invalid transaction"}}
	signed, err := txn.NewSignedTransaction([]byte{1})
	require.NoError(t, err)

	_, err = NewRPCSubmitter(newTestClient(mock), true).Submit(context.Background(), signed)

	var typed *txerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "rpc error -32602: invalid transaction", typed.Message)
}

func encodeMint(t *testing.T, decimals uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bin.NewBinEncoder(&buf).Encode(token.Mint{Decimals: decimals, IsInitialized: true}))
	return buf.Bytes()
}

func TestAccountLookup_TransferState(t *testing.T) {
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	source := solana.NewWallet().PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(to, mint)
	require.NoError(t, err)

	intent := txn.ValidIntent{From: from, To: to, Amount: decimal.NewFromInt(1), Mint: &mint}

	t.Run("recipient without account", func(t *testing.T) {
		mock := &mockRPCClient{
			tokenAccounts: map[solana.PublicKey][]*rpc.TokenAccount{from: {{Pubkey: source}}},
			accounts:      map[solana.PublicKey][]byte{mint: encodeMint(t, 6)},
		}
		state, err := NewAccountLookup(newTestClient(mock)).TransferState(context.Background(), intent)
		require.NoError(t, err)
		require.NotNil(t, state.SourceTokenAccount)
		assert.Equal(t, source, *state.SourceTokenAccount)
		assert.Equal(t, uint8(6), state.Decimals)
		assert.False(t, state.RecipientHasAssociatedAccount)
	})

	t.Run("recipient with account", func(t *testing.T) {
		mock := &mockRPCClient{
			tokenAccounts: map[solana.PublicKey][]*rpc.TokenAccount{from: {{Pubkey: source}}},
			accounts:      map[solana.PublicKey][]byte{mint: encodeMint(t, 9), ata: {0}},
		}
		state, err := NewAccountLookup(newTestClient(mock)).TransferState(context.Background(), intent)
		require.NoError(t, err)
		assert.True(t, state.RecipientHasAssociatedAccount)
	})

	t.Run("sender holds no tokens", func(t *testing.T) {
		mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{mint: encodeMint(t, 6)}}
		state, err := NewAccountLookup(newTestClient(mock)).TransferState(context.Background(), intent)
		require.NoError(t, err)
		assert.Nil(t, state.SourceTokenAccount)

		_, err = txn.BuildTransfer(intent, state)
		assert.True(t, errors.Is(err, txerr.ErrSourceAccountNotFound))
	})

	t.Run("unknown mint", func(t *testing.T) {
		_, err := NewAccountLookup(newTestClient(&mockRPCClient{})).TransferState(context.Background(), intent)
		require.Error(t, err)
		assert.True(t, errors.Is(err, txerr.ErrInvalidAddress))
	})

	t.Run("native needs no lookup", func(t *testing.T) {
		state, err := NewAccountLookup(newTestClient(&mockRPCClient{})).TransferState(context.Background(), txn.ValidIntent{From: from, To: to, Amount: decimal.NewFromInt(1)})
		require.NoError(t, err)
		assert.Equal(t, txn.NativeDecimals, state.Decimals)
	})
}

func TestNewClientDefaultsCommitment(t *testing.T) {
	c := NewClient(&mockRPCClient{}, "test", "", nil, nil)
	assert.Equal(t, rpc.CommitmentConfirmed, c.commitment)
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"https://api.mainnet-beta.solana.com":         "mainnet",
		"https://api.devnet.solana.com":               "devnet",
		"https://mainnet.helius-rpc.com/?api-key=abc": "helius",
		"https://some-endpoint.quiknode.pro/secret/":  "quiknode",
		"http://localhost:8899":                       "localhost",
		"://bad":                                      "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, EndpointLabel(in), in)
	}
}
