package txerr

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Solana JSON-RPC server error codes we care about.
const (
	rpcCodeSimulationFailed      = -32002
	rpcCodeSignatureVerification = -32003
	rpcCodeNodeUnhealthy         = -32005
)

// Classify maps any error raised by the pipeline (or by a library underneath
// it) onto the taxonomy. It performs no I/O.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var e *Error
	if errors.As(err, &e) && e.Kind != KindNone {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCError(rpcErr.Code, rpcErr.Message)
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code == 429 {
			return KindRateLimited
		}
		return KindRelayRejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}

	return classifyMessage(err.Error())
}

func classifyRPCError(code int, message string) Kind {
	switch code {
	case rpcCodeSimulationFailed, rpcCodeSignatureVerification:
		return KindSimulation
	case rpcCodeNodeUnhealthy:
		return KindNetwork
	}
	if k := classifyMessage(message); k != KindInternal {
		return k
	}
	return KindRelayRejected
}

// classifyMessage is the last resort for errors that only carry text, such as
// wallet providers that return plain strings.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "429") || strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit"):
		return KindRateLimited
	case strings.Contains(m, "blockhash not found") ||
		strings.Contains(m, "insufficient") ||
		strings.Contains(m, "simulation failed"):
		return KindSimulation
	case strings.Contains(m, "user rejected") ||
		strings.Contains(m, "user declined") ||
		strings.Contains(m, "user canceled") ||
		strings.Contains(m, "user cancelled"):
		return KindSigningRejected
	case strings.Contains(m, "connection refused") ||
		strings.Contains(m, "connection reset") ||
		strings.Contains(m, "timeout") ||
		strings.Contains(m, "eof"):
		return KindNetwork
	}
	return KindInternal
}

// Retryable reports whether a failure of this kind may be retried with the
// same request. Simulation failures are excluded: the transaction must be
// rebuilt with a fresh blockhash instead.
func Retryable(k Kind) bool {
	return k == KindRateLimited || k == KindNetwork
}

// MayHaveLanded reports whether a submission that failed with this kind may
// still have reached the node. The response was lost, not refused, so the
// transaction must be tracked as unconfirmed and never re-sent.
func MayHaveLanded(k Kind) bool {
	return k == KindNetwork || k == KindCanceled
}

// IsFailure reports whether the kind represents a definite failure.
// An unknown confirmation is not one: the transaction may still land.
func IsFailure(k Kind) bool {
	switch k {
	case KindNone, KindConfirmationUnknown:
		return false
	}
	return true
}

// UserMessage returns a short message suitable for showing to an end user.
func UserMessage(k Kind) string {
	switch k {
	case KindNone:
		return "Transaction completed"
	case KindValidation:
		return "Please check the addresses and amount and try again"
	case KindRateLimited:
		return "The service is busy right now. Please try again in a moment"
	case KindNetwork:
		return "Network problem. Please check your connection and try again"
	case KindSimulation:
		return "The network rejected the transaction. Check your balance and try again"
	case KindSigningRejected:
		return "The transaction was not approved in your wallet"
	case KindRelayRejected, KindUpstream:
		return "The transaction service returned an error. Please try again later"
	case KindQuoteExpired:
		return "The swap quote expired. Fetching a new quote is required"
	case KindConfirmationUnknown:
		return "Transaction submitted but not yet confirmed. Check the explorer for its status"
	case KindCanceled:
		return "The request was canceled"
	}
	return "Something went wrong"
}
