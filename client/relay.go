// Package client is the Go client for the txpipe relay server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// SubmitResult is the relay's answer to a submission. Status is the
// confirmation the relay observed before responding.
type SubmitResult struct {
	Signature string                 `json:"signature"`
	Status    txn.ConfirmationStatus `json:"status"`
	ErrorKind txerr.Kind             `json:"error_kind,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// Client is the HTTP client for the relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new relay client. The relay confirms before answering
// a submission, so the default timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

type transferInstructionsResponse struct {
	Instructions    []txn.Instruction `json:"instructions"`
	FeePayer        string            `json:"feePayer"`
	RecentBlockhash string            `json:"recentBlockhash"`
}

// TransferInstructions asks the relay to build a transfer from the wallet
// from. The result is ready for signing.
func (c *Client) TransferInstructions(ctx context.Context, from, to string, amount decimal.Decimal, mint string) (*txn.UnsignedTransaction, error) {
	body, err := json.Marshal(map[string]interface{}{
		"toAddress": to,
		"amount":    amount,
		"tokenMint": mint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/wallet/%s/transfer/instructions", c.baseURL, url.PathEscape(from))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, txerr.ErrNetwork.With("instructions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse("instructions", resp)
	}

	var out transferInstructionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	feePayer, err := solanago.PublicKeyFromBase58(out.FeePayer)
	if err != nil {
		return nil, txerr.ErrUpstream.With("instructions", fmt.Errorf("invalid feePayer %q: %w", out.FeePayer, err))
	}
	blockhash, err := solanago.HashFromBase58(out.RecentBlockhash)
	if err != nil {
		return nil, txerr.ErrUpstream.With("instructions", fmt.Errorf("invalid recentBlockhash %q: %w", out.RecentBlockhash, err))
	}

	unsigned := &txn.UnsignedTransaction{
		Instructions: out.Instructions,
		FeePayer:     feePayer,
		Blockhash:    blockhash,
	}
	if err := unsigned.Validate(); err != nil {
		return nil, err
	}

	c.logger.Debug("transfer instructions received", "from", from, "instructions", len(out.Instructions))
	return unsigned, nil
}

// Submit sends tx to the relay with exactly one POST. tx is claimed first and
// cannot be submitted again. Any non-2xx answer is a RelayRejected error
// carrying the status and body verbatim.
func (c *Client) Submit(ctx context.Context, tx *txn.SignedTransaction) (*SubmitResult, error) {
	if err := tx.MarkSubmitted(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"signedTransaction": tx.Base64()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, c.baseURL+"/transaction/submit", body)
	if err != nil {
		return nil, txerr.ErrNetwork.With("submit", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, txerr.ErrNetwork.With("submit", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := txerr.ErrRelayRejected.Withf("submit", "%s", strings.TrimSpace(string(raw)))
		e.Status = resp.StatusCode
		return nil, e
	}

	var out SubmitResult
	if err := json.Unmarshal(raw, &out); err != nil || out.Signature == "" {
		return nil, txerr.ErrUpstream.Withf("submit", "relay returned no signature: %s", string(raw))
	}

	c.logger.Debug("transaction submitted via relay", "signature", out.Signature, "status", out.Status.String())
	return &out, nil
}

func (c *Client) post(ctx context.Context, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// parseErrorResponse attempts to parse an error response from the server,
// keeping the relay's classification when it sent one.
func (c *Client) parseErrorResponse(op string, resp *http.Response) error {
	var errResp struct {
		Error string     `json:"error"`
		Kind  txerr.Kind `json:"error_kind"`
		Code  string     `json:"code"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		e := txerr.ErrUpstream.Withf(op, "%s", strings.TrimSpace(string(body)))
		e.Status = resp.StatusCode
		return e
	}

	e := &txerr.Error{Kind: errResp.Kind, Code: errResp.Code, Op: op, Status: resp.StatusCode, Message: errResp.Error}
	if e.Kind == txerr.KindNone {
		e.Kind = txerr.KindUpstream
	}
	if e.Code == "" {
		e.Code = txerr.ErrUpstream.Code
	}
	return e
}

// RelaySubmitter submits through the relay server.
type RelaySubmitter struct {
	client *Client
}

var _ txn.Submitter = (*RelaySubmitter)(nil)

// NewRelaySubmitter creates a Submitter backed by c.
func NewRelaySubmitter(c *Client) *RelaySubmitter {
	return &RelaySubmitter{client: c}
}

// Submit implements txn.Submitter.
func (s *RelaySubmitter) Submit(ctx context.Context, tx *txn.SignedTransaction) (solanago.Signature, error) {
	res, err := s.client.Submit(ctx, tx)
	if err != nil {
		return solanago.Signature{}, err
	}
	sig, err := solanago.SignatureFromBase58(res.Signature)
	if err != nil {
		return solanago.Signature{}, txerr.ErrUpstream.With("submit", fmt.Errorf("invalid signature %q: %w", res.Signature, err))
	}
	return sig, nil
}
