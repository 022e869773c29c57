package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/swap"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize  = 1 << 20 // 1MB - a signed transaction is at most 1232 bytes
	maxAddressLength    = 100     // Solana addresses are 44 chars, give buffer
	watchHandoffTimeout = 10 * time.Second
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

type transferInstructionsRequest struct {
	To     string          `json:"toAddress"`
	Amount decimal.Decimal `json:"amount"`
	Mint   string          `json:"tokenMint,omitempty"`
}

type transferInstructionsResponse struct {
	Instructions    []txn.Instruction `json:"instructions"`
	FeePayer        string            `json:"feePayer"`
	RecentBlockhash string            `json:"recentBlockhash"`
}

// handleTransferInstructions returns a handler that builds the instructions
// for a transfer from the wallet in the path. The wallet signs client-side.
// POST /wallet/{address}/transfer/instructions
func handleTransferInstructions(builder InstructionBuilder, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req transferInstructionsRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		unsigned, err := builder.Prepare(r.Context(), txn.TransferIntent{
			From:   address,
			To:     req.To,
			Amount: req.Amount,
			Mint:   req.Mint,
		})
		if err != nil {
			logger.Warn("failed to build transfer", "address", address, "error", err)
			writeTxError(w, err)
			return
		}

		logger.Info("transfer instructions built",
			"address", address,
			"to", req.To,
			"instructions", len(unsigned.Instructions),
		)
		writeJSON(w, transferInstructionsResponse{
			Instructions:    unsigned.Instructions,
			FeePayer:        unsigned.FeePayer.String(),
			RecentBlockhash: unsigned.Blockhash.String(),
		}, http.StatusOK)
	})
}

type submitRequest struct {
	SignedTransaction string `json:"signedTransaction"`
}

type submitResponse struct {
	Signature string     `json:"signature"`
	Status    string     `json:"status"`
	ErrorKind txerr.Kind `json:"error_kind,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// handleSubmitTransaction returns a handler that submits a client-signed
// transaction once and waits for its confirmation. Once the transaction has
// a signature the response is 200 whatever the outcome; an unconfirmed
// outcome is handed to the watcher.
// POST /transaction/submit
func handleSubmitTransaction(submitter txn.Submitter, confirmer Confirmer, policy solana.PollPolicy, watcher txn.Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		raw, err := txn.DecodeWire(req.SignedTransaction)
		if err != nil {
			writeTxError(w, err)
			return
		}
		tx, err := txn.DecodeTransaction(raw)
		if err != nil {
			writeTxError(w, err)
			return
		}
		feePayer, err := txn.FeePayer(tx)
		if err != nil {
			writeTxError(w, err)
			return
		}
		signed, err := txn.NewSignedTransaction(raw)
		if err != nil {
			writeTxError(w, err)
			return
		}

		status := txn.StatusUnknown
		sig, err := submitter.Submit(r.Context(), signed)
		if err != nil {
			pending, serr := signed.Signature()
			if serr != nil || !txerr.MayHaveLanded(txerr.Classify(err)) {
				logger.Warn("submit rejected", "fee_payer", feePayer.String(), "error", err)
				writeTxError(w, err)
				return
			}
			logger.Warn("lost track of submitted transaction", "signature", pending.String(), "error", err)
			sig = pending
		} else {
			status, err = confirmer.Confirm(r.Context(), sig, policy)
			if err != nil {
				logger.Warn("stopped confirming before a terminal status", "signature", sig.String(), "error", err)
				status = txn.StatusUnknown
			}
		}

		resp := submitResponse{Signature: sig.String(), Status: status.String()}
		switch {
		case status.Succeeded():
		case status == txn.StatusFailed:
			resp.ErrorKind = txerr.ErrTransactionFailed.Kind
			resp.Message = txerr.UserMessage(resp.ErrorKind)
		default:
			resp.ErrorKind = txerr.KindConfirmationUnknown
			resp.Message = txerr.UserMessage(resp.ErrorKind)
			if watcher != nil {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), watchHandoffTimeout)
				if err := watcher.Watch(ctx, sig, feePayer.String()); err != nil {
					logger.Error("failed to start confirmation watch", "signature", sig.String(), "error", err)
				}
				cancel()
			}
		}

		logger.Info("transaction submitted",
			"signature", sig.String(),
			"fee_payer", feePayer.String(),
			"status", resp.Status,
		)
		writeJSON(w, resp, http.StatusOK)
	})
}

type swapOrderRequest struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	Amount     string `json:"amount"`
	Taker      string `json:"taker,omitempty"`
}

// handleSwapOrder returns a handler that validates an order request and
// proxies it to the aggregator.
// POST /swap/order
func handleSwapOrder(proxy SwapProxy, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req swapOrderRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		order, err := validateOrder(req)
		if err != nil {
			writeTxError(w, err)
			return
		}

		resp, err := proxy.Order(r.Context(), order)
		if err != nil {
			logger.Warn("swap order failed",
				"input_mint", order.InputMint,
				"output_mint", order.OutputMint,
				"error", err,
			)
			writeTxError(w, err)
			return
		}

		logger.Info("swap order proxied", "request_id", resp.RequestID)
		writeJSON(w, resp, http.StatusOK)
	})
}

func validateOrder(req swapOrderRequest) (swap.OrderRequest, error) {
	amount, err := strconv.ParseUint(strings.TrimSpace(req.Amount), 10, 64)
	if err != nil || amount == 0 {
		return swap.OrderRequest{}, txerr.ErrInvalidAmount.Withf("order", "amount must be a positive integer in base units, got %q", req.Amount)
	}
	in, err := txn.ParseAddress("input mint", req.InputMint)
	if err != nil {
		return swap.OrderRequest{}, err
	}
	out, err := txn.ParseAddress("output mint", req.OutputMint)
	if err != nil {
		return swap.OrderRequest{}, err
	}
	if in.Equals(out) {
		return swap.OrderRequest{}, txerr.ErrSameMint.Withf("order", "input and output mint are both %s", in)
	}
	if req.Taker != "" {
		if _, err := txn.ParseAddress("taker", req.Taker); err != nil {
			return swap.OrderRequest{}, err
		}
	}
	return swap.OrderRequest{
		InputMint:  in.String(),
		OutputMint: out.String(),
		Amount:     amount,
		Taker:      req.Taker,
	}, nil
}

type swapExecuteRequest struct {
	SignedTransaction string `json:"signedTransaction"`
	RequestID         string `json:"requestId"`
}

// handleSwapExecute returns a handler that forwards a signed swap to the
// aggregator's execute endpoint. The aggregator's response is returned as is.
// POST /swap/execute
func handleSwapExecute(proxy SwapProxy, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req swapExecuteRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if req.RequestID == "" {
			writeTxError(w, txerr.ErrInvalidRequest.Withf("execute", "requestId is required"))
			return
		}

		raw, err := txn.DecodeWire(req.SignedTransaction)
		if err != nil {
			writeTxError(w, err)
			return
		}
		signed, err := txn.NewSignedTransaction(raw)
		if err != nil {
			writeTxError(w, err)
			return
		}

		resp, err := proxy.Execute(r.Context(), signed, req.RequestID)
		if err != nil {
			logger.Warn("swap execute failed", "request_id", req.RequestID, "error", err)
			writeTxError(w, err)
			return
		}

		logger.Info("swap executed",
			"request_id", req.RequestID,
			"status", resp.Status,
			"signature", resp.Signature,
		)
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleWalletAssets returns a handler that lists a wallet's holdings.
// GET /wallet/{address}/assets
func handleWalletAssets(assets AssetLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		list, err := assets.TokenList(r.Context(), address)
		if err != nil {
			logger.Warn("failed to list assets", "address", address, "error", err)
			writeTxError(w, err)
			return
		}

		logger.Debug("wallet assets retrieved", "address", address, "tokens", len(list.Tokens))
		writeJSON(w, list, http.StatusOK)
	})
}

// decodeBody decodes a size-limited JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

type errorResponse struct {
	Error          string     `json:"error"`
	Kind           txerr.Kind `json:"error_kind"`
	Code           string     `json:"code,omitempty"`
	UpstreamStatus int        `json:"upstream_status,omitempty"`
	UserMessage    string     `json:"user_message"`
}

// writeTxError writes a classified pipeline error. Upstream status and
// message are passed through verbatim.
func writeTxError(w http.ResponseWriter, err error) {
	kind := txerr.Classify(err)
	resp := errorResponse{
		Error:       err.Error(),
		Kind:        kind,
		UserMessage: txerr.UserMessage(kind),
	}
	var e *txerr.Error
	if errors.As(err, &e) {
		resp.Code = e.Code
		resp.UpstreamStatus = e.Status
	}
	writeJSON(w, resp, statusForKind(kind))
}

func statusForKind(k txerr.Kind) int {
	switch k {
	case txerr.KindValidation:
		return http.StatusBadRequest
	case txerr.KindRateLimited:
		return http.StatusTooManyRequests
	case txerr.KindNetwork:
		return http.StatusServiceUnavailable
	case txerr.KindSimulation:
		return http.StatusUnprocessableEntity
	case txerr.KindRelayRejected, txerr.KindUpstream:
		return http.StatusBadGateway
	case txerr.KindQuoteExpired:
		return http.StatusGone
	case txerr.KindCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
