package swap

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/signer"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Route selects where a signed swap transaction is submitted.
type Route string

const (
	// RouteAggregator lands the transaction through the aggregator's execute endpoint.
	RouteAggregator Route = "aggregator"
	// RouteRPC sends the transaction straight to an RPC node.
	RouteRPC Route = "rpc"
)

// Confirmer waits for a signature to reach a terminal status.
type Confirmer interface {
	Confirm(ctx context.Context, sig solanago.Signature, policy solana.PollPolicy) (txn.ConfirmationStatus, error)
}

// Options configures an Orchestrator. Zero values take defaults.
type Options struct {
	TTL        time.Duration
	Route      Route
	RPC        txn.Submitter
	PollPolicy solana.PollPolicy
	Publisher  natspkg.Publisher
	Watcher    txn.Watcher
}

// Result describes how far an execution got.
type Result struct {
	PipelineID string                 `json:"pipeline_id"`
	RequestID  string                 `json:"request_id"`
	Signature  string                 `json:"signature,omitempty"`
	Stage      txn.Stage              `json:"stage"`
	Outcome    Outcome                `json:"outcome,omitempty"`
	Status     txn.ConfirmationStatus `json:"status"`
	Kind       txerr.Kind             `json:"error_kind,omitempty"`
}

// Orchestrator fetches quotes and executes them through the sign, submit,
// confirm sequence.
type Orchestrator struct {
	agg       *Aggregator
	signer    signer.Signer
	confirmer Confirmer
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(agg *Aggregator, s signer.Signer, confirmer Confirmer, opts Options, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultQuoteTTL
	}
	if opts.Route == "" {
		opts.Route = RouteAggregator
	}
	if opts.PollPolicy.MaxAttempts == 0 {
		opts.PollPolicy = solana.DefaultPollPolicy()
	}
	return &Orchestrator{
		agg:       agg,
		signer:    s,
		confirmer: confirmer,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// GetQuote validates the request, then asks the aggregator for an order.
// amount is in the input mint's base units.
func (o *Orchestrator) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, taker string) (*SwapQuote, error) {
	if amount == 0 {
		return nil, o.quoteFailed(txerr.ErrInvalidAmount.Withf("quote", "amount must be greater than zero"))
	}
	in, err := txn.ParseAddress("input mint", inputMint)
	if err != nil {
		return nil, o.quoteFailed(err)
	}
	out, err := txn.ParseAddress("output mint", outputMint)
	if err != nil {
		return nil, o.quoteFailed(err)
	}
	if in.Equals(out) {
		return nil, o.quoteFailed(txerr.ErrSameMint.Withf("quote", "input and output mint are both %s", in))
	}
	if taker != "" {
		if _, err := txn.ParseAddress("taker", taker); err != nil {
			return nil, o.quoteFailed(err)
		}
	}

	order, err := o.agg.Order(ctx, OrderRequest{
		InputMint:  in.String(),
		OutputMint: out.String(),
		Amount:     amount,
		Taker:      taker,
	})
	if err != nil {
		return nil, o.quoteFailed(err)
	}

	payload, err := txn.DecodeWire(order.Transaction)
	if err != nil {
		return nil, o.quoteFailed(txerr.ErrInvalidQuoteResponse.With("quote", err))
	}

	estimated, err := strconv.ParseUint(order.OutAmount, 10, 64)
	if err != nil {
		o.logger.WarnContext(ctx, "aggregator returned unparseable out amount",
			"request_id", order.RequestID,
			"out_amount", order.OutAmount,
		)
	}

	if o.metrics != nil {
		o.metrics.RecordSwapQuote("success")
	}
	o.logger.InfoContext(ctx, "swap quote received",
		"request_id", order.RequestID,
		"input_mint", in.String(),
		"output_mint", out.String(),
		"amount_in", amount,
		"estimated_amount_out", estimated,
	)

	return &SwapQuote{
		RequestID:          order.RequestID,
		InputMint:          in.String(),
		OutputMint:         out.String(),
		Taker:              taker,
		AmountIn:           amount,
		EstimatedAmountOut: estimated,
		Payload:            payload,
		IssuedAt:           o.now(),
		TTL:                o.opts.TTL,
	}, nil
}

func (o *Orchestrator) quoteFailed(err error) error {
	if o.metrics != nil {
		o.metrics.RecordSwapQuote(string(txerr.Classify(err)))
	}
	return err
}

// Execute signs, submits and confirms a quote's transaction. It always
// returns a Result; err is non-nil when the swap failed. A quote older than
// its TTL is rejected with QuoteExpired before anything is signed. An
// unconfirmed outcome, including the caller giving up after submission, is
// OutcomeUnknown with a nil error.
func (o *Orchestrator) Execute(ctx context.Context, quote *SwapQuote) (*Result, error) {
	if quote == nil {
		return nil, txerr.ErrInvalidRequest.Withf("execute", "quote is required")
	}
	run := &execution{
		o:      o,
		result: &Result{PipelineID: uuid.NewString(), RequestID: quote.RequestID, Stage: txn.StageQuoted},
		wallet: quote.Taker,
	}

	if quote.Expired(o.now()) {
		return run.fail(ctx, txerr.ErrQuoteExpired.Withf("execute", "quote %s is %s old, ttl %s",
			quote.RequestID, quote.Age(o.now()).Round(time.Millisecond), quote.TTL))
	}

	tx, err := txn.DecodeTransaction(bytes.Clone(quote.Payload))
	if err != nil {
		return run.fail(ctx, txerr.ErrInvalidQuoteResponse.With("execute", err))
	}
	if err := txn.CheckFeePayer(tx, o.signer.PublicKey()); err != nil {
		return run.fail(ctx, err)
	}
	run.wallet = o.signer.PublicKey().String()
	run.emit(ctx, txn.StageQuoted, nil)

	submitter, err := o.submitter(quote.RequestID)
	if err != nil {
		return run.fail(ctx, err)
	}

	start := time.Now()
	signed, err := o.signer.Sign(ctx, tx)
	o.stageTime(txn.StageSigned, start)
	if err != nil {
		return run.fail(ctx, err)
	}
	run.advance(ctx, txn.StageSigned)

	start = time.Now()
	sig, err := submitter.Submit(ctx, signed)
	o.stageTime(txn.StageSubmitted, start)
	if err != nil {
		pending, serr := signed.Signature()
		if serr != nil || !txerr.MayHaveLanded(txerr.Classify(err)) {
			return run.fail(ctx, err)
		}
		o.logger.WarnContext(ctx, "lost track of submitted swap",
			"request_id", quote.RequestID,
			"signature", pending.String(),
			"error", err,
		)
		run.result.Signature = pending.String()
		run.advance(ctx, txn.StageSubmitted)
		return run.finish(ctx, pending, txn.StatusUnknown)
	}
	run.result.Signature = sig.String()
	run.advance(ctx, txn.StageSubmitted)

	start = time.Now()
	status, err := o.confirmer.Confirm(ctx, sig, o.opts.PollPolicy)
	o.stageTime(txn.StageConfirmed, start)
	if err != nil {
		o.logger.WarnContext(ctx, "stopped watching swap before a terminal status",
			"signature", sig.String(),
			"error", err,
		)
		status = txn.StatusUnknown
	}
	return run.finish(ctx, sig, status)
}

func (o *Orchestrator) submitter(requestID string) (txn.Submitter, error) {
	switch o.opts.Route {
	case RouteAggregator:
		return o.agg.Submitter(requestID), nil
	case RouteRPC:
		if o.opts.RPC != nil {
			return o.opts.RPC, nil
		}
	}
	return nil, txerr.ErrModeViolation.Withf("execute", "no submitter for route %q", o.opts.Route)
}

func (o *Orchestrator) stageTime(stage txn.Stage, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStage(natspkg.FlowSwap, string(stage), time.Since(start).Seconds())
	}
}

// execution tracks one Execute call.
type execution struct {
	o      *Orchestrator
	result *Result
	wallet string
}

func (r *execution) advance(ctx context.Context, stage txn.Stage) {
	r.result.Stage = stage
	r.emit(ctx, stage, nil)
}

func (r *execution) fail(ctx context.Context, err error) (*Result, error) {
	kind := txerr.Classify(err)
	r.result.Kind = kind
	r.result.Outcome = OutcomeRejected
	r.result.Stage = txn.StageRejected
	r.emit(ctx, txn.StageRejected, err)
	if r.o.metrics != nil {
		r.o.metrics.RecordOutcome(natspkg.FlowSwap, string(txn.StageRejected), string(kind))
	}
	r.o.logger.WarnContext(ctx, "swap rejected",
		"pipeline_id", r.result.PipelineID,
		"request_id", r.result.RequestID,
		"error_kind", string(kind),
		"error", err,
	)
	return r.result, err
}

func (r *execution) finish(ctx context.Context, sig solanago.Signature, status txn.ConfirmationStatus) (*Result, error) {
	res := r.result
	res.Status = status
	res.Stage = txn.StageFor(status)

	var err error
	switch {
	case status.Succeeded():
		res.Outcome = OutcomeExecuted
	case status == txn.StatusFailed:
		res.Outcome = OutcomeRejected
		err = txerr.ErrTransactionFailed.Withf("confirm", "transaction %s failed on chain", sig)
		res.Kind = txerr.Classify(err)
	default:
		res.Outcome = OutcomeUnknown
		res.Kind = txerr.KindConfirmationUnknown
		r.watch(ctx, sig)
	}

	r.emit(ctx, res.Stage, err)
	if r.o.metrics != nil {
		r.o.metrics.RecordOutcome(natspkg.FlowSwap, string(res.Stage), string(res.Kind))
	}
	r.o.logger.InfoContext(ctx, "swap finished",
		"pipeline_id", res.PipelineID,
		"request_id", res.RequestID,
		"signature", res.Signature,
		"outcome", string(res.Outcome),
	)
	return res, err
}

func (r *execution) watch(ctx context.Context, sig solanago.Signature) {
	if r.o.opts.Watcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.o.opts.Watcher.Watch(ctx, sig, r.wallet); err != nil {
		r.o.logger.ErrorContext(ctx, "failed to start confirmation watch", "signature", sig.String(), "error", err)
	}
}

func (r *execution) emit(ctx context.Context, stage txn.Stage, err error) {
	if r.o.opts.Publisher == nil {
		return
	}
	event := &natspkg.PipelineEvent{
		PipelineID:    r.result.PipelineID,
		Flow:          natspkg.FlowSwap,
		Stage:         string(stage),
		WalletAddress: r.wallet,
		Signature:     r.result.Signature,
		Timestamp:     r.o.now().UTC(),
	}
	if r.result.Signature != "" {
		event.Status = r.result.Status.String()
	}
	if err != nil {
		event.ErrorKind = string(txerr.Classify(err))
		event.Message = err.Error()
	}
	// Publishing is best effort and uses a context that outlives the caller.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := r.o.opts.Publisher.PublishEvent(pubCtx, event); perr != nil {
		r.o.logger.WarnContext(ctx, "failed to publish pipeline event",
			"pipeline_id", event.PipelineID,
			"stage", event.Stage,
			"error", perr,
		)
	}
}
