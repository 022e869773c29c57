package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPCSubmitter submits signed transactions straight to an RPC node.
type RPCSubmitter struct {
	client        *Client
	skipPreflight bool
}

var _ txn.Submitter = (*RPCSubmitter)(nil)

// NewRPCSubmitter creates a submitter. With skipPreflight the node does not
// simulate before forwarding.
func NewRPCSubmitter(client *Client, skipPreflight bool) *RPCSubmitter {
	return &RPCSubmitter{client: client, skipPreflight: skipPreflight}
}

// Submit claims tx and performs exactly one send. The transaction can never
// be handed to Submit again, even if the send fails: a resend must be
// re-signed with a fresh blockhash.
func (s *RPCSubmitter) Submit(ctx context.Context, tx *txn.SignedTransaction) (solana.Signature, error) {
	if err := tx.MarkSubmitted(); err != nil {
		return solana.Signature{}, err
	}

	sig, err := s.client.SendRaw(ctx, tx.Bytes(), s.skipPreflight)
	if err != nil {
		s.client.logger.WarnContext(ctx, "send transaction failed", "error", err)
		return solana.Signature{}, classifySendError(err)
	}

	s.client.logger.InfoContext(ctx, "transaction submitted",
		"signature", sig.String(),
		"endpoint", s.client.endpoint,
	)
	return sig, nil
}

// classifySendError keeps the node's message verbatim while tagging the
// kind that drives retry decisions.
func classifySendError(err error) error {
	var e *txerr.Error
	switch txerr.Classify(err) {
	case txerr.KindSimulation:
		e = txerr.ErrSimulation.With("submit", err)
	case txerr.KindNetwork:
		e = txerr.ErrNetwork.With("submit", err)
	case txerr.KindRateLimited:
		e = txerr.ErrRateLimitExceeded.With("submit", err)
	case txerr.KindCanceled:
		return err
	default:
		e = txerr.ErrRelayRejected.With("submit", err)
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		e.Message = fmt.Sprintf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		e.Status = httpErr.Code
	}
	return e
}
