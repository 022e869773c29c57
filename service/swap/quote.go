package swap

import (
	"time"
)

// DefaultQuoteTTL is how long a quote may be executed after it was fetched.
const DefaultQuoteTTL = 30 * time.Second

// SwapQuote is an aggregator-issued swap proposal. Payload is the
// aggregator's unsigned wire transaction and is never modified.
type SwapQuote struct {
	RequestID          string        `json:"requestId"`
	InputMint          string        `json:"inputMint"`
	OutputMint         string        `json:"outputMint"`
	Taker              string        `json:"taker"`
	AmountIn           uint64        `json:"amountIn"`
	EstimatedAmountOut uint64        `json:"estimatedAmountOut"`
	Payload            []byte        `json:"transaction"`
	IssuedAt           time.Time     `json:"issuedAt"`
	TTL                time.Duration `json:"ttl"`
}

// Age is the time elapsed since the quote was issued.
func (q *SwapQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.IssuedAt)
}

// Expired reports whether the quote is older than its TTL.
func (q *SwapQuote) Expired(now time.Time) bool {
	return q.Age(now) > q.TTL
}

// Outcome is the terminal state of a swap execution.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeRejected Outcome = "rejected"
	OutcomeUnknown  Outcome = "unknown"
)
