package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// RemoteSigner talks to an embedded wallet provider over HTTP. Each method
// is one POST to <baseURL>/<method>; the provider may hold the request open
// while the user approves. Requests are never retried: a repeated prompt is
// worse than a failed one.
type RemoteSigner struct {
	baseURL    string
	publicKey  solana.PublicKey
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteSigner creates a signer for the wallet at publicKey.
func NewRemoteSigner(baseURL string, publicKey solana.PublicKey, httpClient *http.Client, logger *slog.Logger) *RemoteSigner {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &RemoteSigner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		publicKey:  publicKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

type signRequest struct {
	Transaction  string   `json:"transaction,omitempty"`
	Transactions []string `json:"transactions,omitempty"`
	Message      string   `json:"message,omitempty"`
	Network      string   `json:"network,omitempty"`
}

type signResponse struct {
	SignedTransaction  string   `json:"signedTransaction"`
	SignedTransactions []string `json:"signedTransactions"`
	Signature          string   `json:"signature"`
}

func (r *RemoteSigner) PublicKey() solana.PublicKey { return r.publicKey }

func (r *RemoteSigner) Sign(ctx context.Context, tx *solana.Transaction) (*txn.SignedTransaction, error) {
	payload, err := encodeUnsigned(tx)
	if err != nil {
		return nil, err
	}
	var resp signResponse
	if err := r.call(ctx, "signTransaction", signRequest{Transaction: payload}, &resp); err != nil {
		return nil, err
	}
	return decodeSigned("signTransaction", resp.SignedTransaction)
}

func (r *RemoteSigner) SignAll(ctx context.Context, txs []*solana.Transaction) ([]*txn.SignedTransaction, error) {
	payloads := make([]string, 0, len(txs))
	for _, tx := range txs {
		p, err := encodeUnsigned(tx)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	var resp signResponse
	if err := r.call(ctx, "signAllTransactions", signRequest{Transactions: payloads}, &resp); err != nil {
		return nil, err
	}
	if len(resp.SignedTransactions) != len(txs) {
		return nil, txerr.ErrSigningRejected.Withf("signAllTransactions", "wallet returned %d transactions for %d requested", len(resp.SignedTransactions), len(txs))
	}
	out := make([]*txn.SignedTransaction, 0, len(txs))
	for _, s := range resp.SignedTransactions {
		signed, err := decodeSigned("signAllTransactions", s)
		if err != nil {
			return nil, err
		}
		out = append(out, signed)
	}
	return out, nil
}

func (r *RemoteSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	var resp signResponse
	if err := r.call(ctx, "signMessage", signRequest{Message: base58.Encode(msg)}, &resp); err != nil {
		return nil, err
	}
	sig, err := base58.Decode(resp.Signature)
	if err != nil || len(sig) != solana.SignatureLength {
		return nil, txerr.ErrSigningRejected.Withf("signMessage", "wallet returned a malformed signature")
	}
	return sig, nil
}

func (r *RemoteSigner) SignAndSend(ctx context.Context, tx *solana.Transaction, network string) (solana.Signature, error) {
	payload, err := encodeUnsigned(tx)
	if err != nil {
		return solana.Signature{}, err
	}
	var resp signResponse
	if err := r.call(ctx, "signAndSendTransaction", signRequest{Transaction: payload, Network: network}, &resp); err != nil {
		return solana.Signature{}, err
	}
	sig, err := solana.SignatureFromBase58(resp.Signature)
	if err != nil {
		return solana.Signature{}, txerr.ErrSigningRejected.With("signAndSendTransaction", err)
	}
	return sig, nil
}

func (r *RemoteSigner) call(ctx context.Context, method string, in signRequest, out *signResponse) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wallet-Address", r.publicKey.String())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.WarnContext(ctx, "wallet unreachable", "method", method, "error", err)
		return txerr.ErrSigningRejected.With(method, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := txerr.ErrSigningRejected.Withf(method, "%s", strings.TrimSpace(string(respBody)))
		e.Status = resp.StatusCode
		r.logger.InfoContext(ctx, "wallet declined request", "method", method, "status", resp.StatusCode)
		return e
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return txerr.ErrSigningRejected.With(method, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func encodeUnsigned(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction for signing: %w", err)
	}
	return txn.EncodeWire(raw), nil
}

func decodeSigned(method, payload string) (*txn.SignedTransaction, error) {
	raw, err := txn.DecodeWire(payload)
	if err != nil {
		return nil, txerr.ErrSigningRejected.With(method, err)
	}
	return txn.NewSignedTransaction(raw)
}
