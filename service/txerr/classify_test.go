package txerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "typed error", err: ErrQuoteExpired.Withf("execute", "age 45s"), want: KindQuoteExpired},
		{name: "wrapped typed error", err: fmt.Errorf("send: %w", ErrSourceAccountNotFound.With("build", nil)), want: KindValidation},
		{name: "context canceled", err: context.Canceled, want: KindCanceled},
		{name: "deadline exceeded", err: fmt.Errorf("poll: %w", context.DeadlineExceeded), want: KindNetwork},
		{name: "rpc simulation failure", err: &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}, want: KindSimulation},
		{name: "rpc node unhealthy", err: &jsonrpc.RPCError{Code: -32005, Message: "Node is behind"}, want: KindNetwork},
		{name: "rpc other error", err: &jsonrpc.RPCError{Code: -32602, Message: "invalid params"}, want: KindRelayRejected},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: KindNetwork},
		{name: "429 text", err: errors.New("upstream said 429 Too Many Requests"), want: KindRateLimited},
		{name: "user rejected text", err: errors.New("User rejected the request"), want: KindSigningRejected},
		{name: "unknown", err: errors.New("boom"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrRelayRejected.Withf("submit", "bad request"))

	assert.True(t, errors.Is(err, ErrRelayRejected))
	assert.False(t, errors.Is(err, ErrUpstream))

	var typed *Error
	assert.True(t, errors.As(err, &typed))
	assert.Equal(t, "submit", typed.Op)
	assert.Equal(t, "bad request", typed.Message)
}

func TestWithDoesNotMutateSentinel(t *testing.T) {
	_ = ErrNetwork.With("call", errors.New("reset"))
	assert.Empty(t, ErrNetwork.Op)
	assert.Nil(t, ErrNetwork.Err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindRateLimited))
	assert.True(t, Retryable(KindNetwork))
	assert.False(t, Retryable(KindSimulation))
	assert.False(t, Retryable(KindValidation))
	assert.False(t, Retryable(KindSigningRejected))
}

func TestConfirmationUnknownIsNotAFailure(t *testing.T) {
	assert.False(t, IsFailure(KindConfirmationUnknown))
	assert.True(t, IsFailure(KindSimulation))
	assert.NotContains(t, UserMessage(KindConfirmationUnknown), "fail")
}

func TestMayHaveLanded(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindCanceled, true},
		{KindRateLimited, false},
		{KindSimulation, false},
		{KindRelayRejected, false},
		{KindValidation, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, MayHaveLanded(tt.kind))
		})
	}
}
