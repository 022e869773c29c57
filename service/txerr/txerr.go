// Package txerr defines the bounded failure taxonomy shared by every stage of
// the transaction pipeline, and the classifier that maps raw errors onto it.
package txerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse failure class used for retry decisions and user messaging.
type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "validation_error"
	KindRateLimited         Kind = "rate_limited"
	KindNetwork             Kind = "network_error"
	KindSimulation          Kind = "simulation_error"
	KindSigningRejected     Kind = "signing_rejected"
	KindRelayRejected       Kind = "relay_rejected"
	KindUpstream            Kind = "upstream_error"
	KindQuoteExpired        Kind = "quote_expired"
	KindConfirmationUnknown Kind = "confirmation_unknown"
	KindCanceled            Kind = "canceled"
	KindInternal            Kind = "internal"
)

// Error is a classified stage failure. Status and Message carry the upstream
// response verbatim when one exists.
type Error struct {
	Kind    Kind
	Code    string
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinel values work with errors.Is regardless of the
// Op, Status or cause attached at the failure site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// With returns a copy of a sentinel annotated with the failing operation and cause.
func (e *Error) With(op string, cause error) *Error {
	cp := *e
	cp.Op = op
	cp.Err = cause
	return &cp
}

// Withf is like With but takes a formatted diagnostic message instead of a cause.
func (e *Error) Withf(op, format string, args ...any) *Error {
	cp := *e
	cp.Op = op
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

var (
	ErrInvalidAddress         = &Error{Kind: KindValidation, Code: "invalid_address"}
	ErrInvalidAmount          = &Error{Kind: KindValidation, Code: "invalid_amount"}
	ErrSameMint               = &Error{Kind: KindValidation, Code: "same_input_output_mint"}
	ErrSourceAccountNotFound  = &Error{Kind: KindValidation, Code: "source_account_not_found"}
	ErrEmptyInstructionSet    = &Error{Kind: KindValidation, Code: "empty_instruction_set"}
	ErrMissingFeePayer        = &Error{Kind: KindValidation, Code: "missing_fee_payer"}
	ErrFeePayerMismatch       = &Error{Kind: KindValidation, Code: "fee_payer_mismatch"}
	ErrMissingFreshnessToken  = &Error{Kind: KindNetwork, Code: "missing_freshness_token"}
	ErrInvalidWire            = &Error{Kind: KindValidation, Code: "invalid_wire_transaction"}
	ErrAlreadySubmitted       = &Error{Kind: KindValidation, Code: "already_submitted"}
	ErrSigningRejected        = &Error{Kind: KindSigningRejected, Code: "signing_rejected"}
	ErrRelayRejected          = &Error{Kind: KindRelayRejected, Code: "relay_rejected"}
	ErrUpstream               = &Error{Kind: KindUpstream, Code: "upstream_error"}
	ErrRateLimitExceeded      = &Error{Kind: KindRateLimited, Code: "rate_limit_exceeded"}
	ErrNetwork                = &Error{Kind: KindNetwork, Code: "network_error"}
	ErrInvalidQuoteResponse   = &Error{Kind: KindUpstream, Code: "invalid_quote_response"}
	ErrQuoteExpired           = &Error{Kind: KindQuoteExpired, Code: "quote_expired"}
	ErrSimulation             = &Error{Kind: KindSimulation, Code: "simulation_failed"}
	ErrTransactionFailed      = &Error{Kind: KindSimulation, Code: "transaction_failed"}
	ErrConfirmationUnknown    = &Error{Kind: KindConfirmationUnknown, Code: "confirmation_unknown"}
	ErrInvalidRequest         = &Error{Kind: KindValidation, Code: "invalid_request"}
	ErrModeViolation          = &Error{Kind: KindInternal, Code: "pipeline_mode_violation"}
)

// KindOf returns the Kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
