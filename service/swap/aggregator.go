// Package swap fetches time-boxed quotes from a swap aggregator and runs the
// quoted transaction through the sign, submit and confirm pipeline.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/txpipe/service/retryhttp"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
)

// OrderRequest is the body of POST /order. Amount is in the input mint's
// base units.
type OrderRequest struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	Amount     uint64 `json:"amount"`
	Taker      string `json:"taker,omitempty"`
}

// OrderResponse is the subset of the aggregator's order we rely on.
type OrderResponse struct {
	RequestID   string `json:"requestId"`
	Transaction string `json:"transaction"`
	InAmount    string `json:"inAmount,omitempty"`
	OutAmount   string `json:"outAmount"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	SignedTransaction string `json:"signedTransaction"`
	RequestID         string `json:"requestId"`
}

// ExecuteResponse reports whether the aggregator landed the transaction.
type ExecuteResponse struct {
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Code      int    `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Aggregator is a client for the swap aggregator's order API.
type Aggregator struct {
	baseURL string
	http    *retryhttp.Client
	policy  retryhttp.Policy
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator. Order requests are retried under
// policy; execute requests are never retried.
func NewAggregator(baseURL string, httpClient *retryhttp.Client, policy retryhttp.Policy, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Aggregator{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		policy:  policy,
		logger:  logger,
	}
}

// Order requests a quote with a prebuilt transaction for the taker.
func (a *Aggregator) Order(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}
	resp, err := a.http.Do(ctx, retryhttp.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/order",
		Header: http.Header{"Accept": []string{"application/json"}},
		Body:   body,
	}, a.policy)
	if err != nil {
		return nil, err
	}

	var out OrderResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, txerr.ErrInvalidQuoteResponse.With("order", err)
	}
	if out.RequestID == "" || out.Transaction == "" {
		return nil, txerr.ErrInvalidQuoteResponse.Withf("order", "missing requestId or transaction")
	}
	return &out, nil
}

// Execute hands a signed transaction to the aggregator for landing. It
// makes exactly one request.
func (a *Aggregator) Execute(ctx context.Context, signed *txn.SignedTransaction, requestID string) (*ExecuteResponse, error) {
	body, err := json.Marshal(ExecuteRequest{SignedTransaction: signed.Base64(), RequestID: requestID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}
	resp, err := a.http.Do(ctx, retryhttp.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/execute",
		Header: http.Header{"Accept": []string{"application/json"}},
		Body:   body,
	}, retryhttp.Policy{MaxAttempts: 1})
	if err != nil {
		return nil, asRelayRejected(err)
	}

	var out ExecuteResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, txerr.ErrRelayRejected.With("execute", fmt.Errorf("failed to decode execute response: %w", err))
	}
	return &out, nil
}

// asRelayRejected reports a non-2xx execute response as a relay rejection
// while keeping the status and body.
func asRelayRejected(err error) error {
	var e *txerr.Error
	if !errors.As(err, &e) || e.Kind != txerr.KindUpstream {
		return err
	}
	r := txerr.ErrRelayRejected.With("execute", e.Err)
	r.Status = e.Status
	r.Message = e.Message
	return r
}

// Submitter adapts the execute endpoint to txn.Submitter for one quote.
func (a *Aggregator) Submitter(requestID string) txn.Submitter {
	return &executeSubmitter{agg: a, requestID: requestID}
}

type executeSubmitter struct {
	agg       *Aggregator
	requestID string
}

func (s *executeSubmitter) Submit(ctx context.Context, tx *txn.SignedTransaction) (solanago.Signature, error) {
	if err := tx.MarkSubmitted(); err != nil {
		return solanago.Signature{}, err
	}

	start := time.Now()
	resp, err := s.agg.Execute(ctx, tx, s.requestID)
	if err != nil {
		return solanago.Signature{}, err
	}
	if !strings.EqualFold(resp.Status, "success") {
		return solanago.Signature{}, txerr.ErrRelayRejected.Withf("execute", "status %q code %d: %s", resp.Status, resp.Code, resp.Error)
	}

	// The aggregator may omit the signature; the wire bytes always carry it.
	if resp.Signature == "" {
		return tx.Signature()
	}
	sig, err := solanago.SignatureFromBase58(resp.Signature)
	if err != nil {
		return solanago.Signature{}, txerr.ErrRelayRejected.With("execute", fmt.Errorf("invalid signature %q: %w", resp.Signature, err))
	}
	s.agg.logger.InfoContext(ctx, "swap executed by aggregator",
		"request_id", s.requestID,
		"signature", sig.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return sig, nil
}
