package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is the subset of the Solana JSON-RPC API the pipeline consumes.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)

	SendRawTransactionWithOpts(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetTokenAccountsByOwner(
		ctx context.Context,
		owner solana.PublicKey,
		conf *rpc.GetTokenAccountsConfig,
		opts *rpc.GetTokenAccountsOpts,
	) (*rpc.GetTokenAccountsResult, error)

	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// Client wraps the RPC client with domain-specific operations, metrics and
// logging.
type Client struct {
	rpc        RPCClient
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment rpc.CommitmentType
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, commitment rpc.CommitmentType, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Client{
		rpc:        rpcClient,
		logger:     logger,
		metrics:    m,
		endpoint:   endpoint,
		commitment: commitment,
	}
}

func (c *Client) record(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// LatestBlockhash implements txn.BlockhashSource.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	c.record("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: empty response")
	}
	return out.Value.Blockhash, nil
}

// SendRaw performs exactly one sendTransaction call.
func (c *Client) SendRaw(ctx context.Context, raw []byte, skipPreflight bool) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: c.commitment,
	})
	c.record("SendTransaction", start, err)
	return sig, err
}

// SignatureStatus maps getSignatureStatuses onto a ConfirmationStatus. A
// signature the node has not seen yet is StatusUnknown, not an error.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (txn.ConfirmationStatus, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.record("GetSignatureStatuses", start, err)
	if errors.Is(err, rpc.ErrNotFound) {
		return txn.StatusUnknown, nil
	}
	if err != nil {
		return txn.StatusUnknown, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return txn.StatusUnknown, nil
	}

	st := out.Value[0]
	if st.Err != nil {
		c.logger.InfoContext(ctx, "transaction failed on chain",
			"signature", sig.String(),
			"error", fmt.Sprint(st.Err),
		)
		return txn.StatusFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return txn.StatusFinalized, nil
	case rpc.ConfirmationStatusConfirmed:
		return txn.StatusConfirmed, nil
	case rpc.ConfirmationStatusProcessed:
		return txn.StatusProcessed, nil
	}
	return txn.StatusUnknown, nil
}

// accountData returns the raw data of account, or found=false if it does
// not exist.
func (c *Client) accountData(ctx context.Context, account solana.PublicKey) (data []byte, found bool, err error) {
	start := time.Now()
	out, err := c.rpc.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		c.record("GetAccountInfo", start, nil)
		return nil, false, nil
	}
	c.record("GetAccountInfo", start, err)
	if err != nil {
		return nil, false, err
	}
	if out == nil || out.Value == nil {
		return nil, false, nil
	}
	if out.Value.Data == nil {
		return nil, true, nil
	}
	return out.Value.Data.GetBinary(), true, nil
}

// firstTokenAccount returns owner's first token account for mint, or nil.
func (c *Client) firstTokenAccount(ctx context.Context, owner, mint solana.PublicKey) (*solana.PublicKey, error) {
	start := time.Now()
	out, err := c.rpc.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64},
	)
	c.record("GetTokenAccountsByOwner", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	pk := out.Value[0].Pubkey
	return &pk, nil
}
