package signer

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/gagliardetto/solana-go"
)

// Queue serializes calls into a Signer. The wallet can show one prompt at a
// time, so concurrent callers wait their turn instead of interleaving. A
// caller whose context ends while waiting leaves the queue without
// reaching the wallet.
type Queue struct {
	inner   Signer
	slot    chan struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ Signer = (*Queue)(nil)

// Serialize wraps s so at most one operation runs at a time.
func Serialize(s Signer, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Queue{inner: s, slot: make(chan struct{}, 1), metrics: m, logger: logger}
}

func (q *Queue) acquire(ctx context.Context, op string) (func(error), error) {
	start := time.Now()
	select {
	case q.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if waited := time.Since(start); waited > time.Second {
		q.logger.DebugContext(ctx, "signer request waited in queue", "operation", op, "wait_seconds", waited.Seconds())
	}
	return func(err error) {
		<-q.slot
		if q.metrics != nil {
			q.metrics.RecordSignerRequest(op, err)
		}
	}, nil
}

func (q *Queue) PublicKey() solana.PublicKey { return q.inner.PublicKey() }

func (q *Queue) Sign(ctx context.Context, tx *solana.Transaction) (_ *txn.SignedTransaction, err error) {
	release, err := q.acquire(ctx, "sign")
	if err != nil {
		return nil, err
	}
	defer func() { release(err) }()
	return q.inner.Sign(ctx, tx)
}

func (q *Queue) SignAll(ctx context.Context, txs []*solana.Transaction) (_ []*txn.SignedTransaction, err error) {
	release, err := q.acquire(ctx, "sign_all")
	if err != nil {
		return nil, err
	}
	defer func() { release(err) }()
	return q.inner.SignAll(ctx, txs)
}

func (q *Queue) SignMessage(ctx context.Context, msg []byte) (_ []byte, err error) {
	release, err := q.acquire(ctx, "sign_message")
	if err != nil {
		return nil, err
	}
	defer func() { release(err) }()
	return q.inner.SignMessage(ctx, msg)
}

func (q *Queue) SignAndSend(ctx context.Context, tx *solana.Transaction, network string) (_ solana.Signature, err error) {
	release, err := q.acquire(ctx, "sign_and_send")
	if err != nil {
		return solana.Signature{}, err
	}
	defer func() { release(err) }()
	return q.inner.SignAndSend(ctx, tx, network)
}
