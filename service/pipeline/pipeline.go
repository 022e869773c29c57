package pipeline

import (
	"context"
	"io"
	"log/slog"
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

// Mode fixes how a pipeline hands the signed transaction to the network.
type Mode int

const (
	// ModeSignThenSubmit signs with the Signer and submits with a Submitter.
	ModeSignThenSubmit Mode = iota
	// ModeSignAndSend lets the wallet sign and submit in one call.
	ModeSignAndSend
)

func (m Mode) String() string {
	if m == ModeSignAndSend {
		return "sign_and_send"
	}
	return "sign_then_submit"
}

// Confirmer waits for a signature to reach a terminal status.
type Confirmer interface {
	Confirm(ctx context.Context, sig solanago.Signature, policy solana.PollPolicy) (txn.ConfirmationStatus, error)
}

// Config configures a Pipeline.
type Config struct {
	Mode Mode
	// Submitter is required for ModeSignThenSubmit and ignored otherwise.
	Submitter txn.Submitter
	// Network is passed to Signer.SignAndSend.
	Network    string
	PollPolicy solana.PollPolicy
	Publisher  natspkg.Publisher
	Watcher    txn.Watcher
}

// Result describes how far a send got.
type Result struct {
	PipelineID string                 `json:"pipeline_id"`
	Signature  string                 `json:"signature,omitempty"`
	Stage      txn.Stage              `json:"stage"`
	Status     txn.ConfirmationStatus `json:"status"`
	Kind       txerr.Kind             `json:"error_kind,omitempty"`
}

// Pipeline executes transfer intents.
type Pipeline struct {
	builder   *Builder
	signer    signer.Signer
	confirmer Confirmer
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Pipeline. metrics may be nil.
func New(builder *Builder, s signer.Signer, confirmer Confirmer, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if cfg.Mode == ModeSignThenSubmit && cfg.Submitter == nil {
		return nil, txerr.ErrModeViolation.Withf("pipeline", "sign-then-submit mode requires a submitter")
	}
	if cfg.PollPolicy.MaxAttempts == 0 {
		cfg.PollPolicy = solana.DefaultPollPolicy()
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Pipeline{
		builder:   builder,
		signer:    s,
		confirmer: confirmer,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Send runs one pipeline instance. It always returns a Result; err is
// non-nil when the transfer failed. A transfer whose confirmation was not
// observed, because polling ran out or ctx ended after submission, is
// reported as StageUnknown with a nil error since it may still land.
func (p *Pipeline) Send(ctx context.Context, intent txn.TransferIntent) (*Result, error) {
	run := &instance{
		p:      p,
		result: &Result{PipelineID: uuid.NewString()},
		wallet: intent.From,
	}
	logger := p.logger.With("pipeline_id", run.result.PipelineID)

	valid, err := intent.Validate()
	if err != nil {
		return run.fail(ctx, err)
	}
	run.advance(ctx, txn.StageValidated)

	start := time.Now()
	unsigned, err := p.builder.PrepareValid(ctx, valid, solanago.Hash{})
	p.stageTime(txn.StageBuilt, start)
	if err != nil {
		return run.fail(ctx, err)
	}
	tx, err := unsigned.Transaction()
	if err != nil {
		return run.fail(ctx, err)
	}
	if err := txn.CheckFeePayer(tx, p.signer.PublicKey()); err != nil {
		return run.fail(ctx, err)
	}
	run.advance(ctx, txn.StageBuilt)
	logger.InfoContext(ctx, "transfer built",
		"instructions", len(unsigned.Instructions),
		"native", valid.IsNative(),
		"mode", p.cfg.Mode.String(),
	)

	sig, pending, err := p.signAndSubmit(ctx, run, tx)
	if err != nil {
		if pending == (solanago.Signature{}) || !txerr.MayHaveLanded(txerr.Classify(err)) {
			return run.fail(ctx, err)
		}
		logger.WarnContext(ctx, "lost track of submitted transfer",
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
	status, err := p.confirmer.Confirm(ctx, sig, p.cfg.PollPolicy)
	p.stageTime(txn.StageConfirmed, start)
	if err != nil {
		logger.WarnContext(ctx, "stopped watching transfer before a terminal status",
			"signature", sig.String(),
			"error", err,
		)
		status = txn.StatusUnknown
	}
	return run.finish(ctx, sig, status)
}

// signAndSubmit uses exactly one of the two submission paths. When the
// submission fails, pending is the signature the node may still have
// received, or zero if none is known.
func (p *Pipeline) signAndSubmit(ctx context.Context, run *instance, tx *solanago.Transaction) (sig, pending solanago.Signature, err error) {
	switch p.cfg.Mode {
	case ModeSignAndSend:
		start := time.Now()
		sig, err = p.signer.SignAndSend(ctx, tx, p.cfg.Network)
		p.stageTime(txn.StageSubmitted, start)
		if err != nil && len(tx.Signatures) > 0 {
			pending = tx.Signatures[0]
		}
		return sig, pending, err
	case ModeSignThenSubmit:
		start := time.Now()
		signed, err := p.signer.Sign(ctx, tx)
		p.stageTime(txn.StageSigned, start)
		if err != nil {
			return solanago.Signature{}, solanago.Signature{}, err
		}
		run.advance(ctx, txn.StageSigned)

		start = time.Now()
		sig, err = p.cfg.Submitter.Submit(ctx, signed)
		p.stageTime(txn.StageSubmitted, start)
		if err != nil {
			pending, _ = signed.Signature()
		}
		return sig, pending, err
	}
	return solanago.Signature{}, solanago.Signature{}, txerr.ErrModeViolation.Withf("pipeline", "unknown mode %d", p.cfg.Mode)
}

func (p *Pipeline) stageTime(stage txn.Stage, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordStage(natspkg.FlowSend, string(stage), time.Since(start).Seconds())
	}
}

// instance tracks one Send call.
type instance struct {
	p      *Pipeline
	result *Result
	wallet string
}

func (r *instance) advance(ctx context.Context, stage txn.Stage) {
	r.result.Stage = stage
	r.emit(ctx, stage, nil)
}

func (r *instance) fail(ctx context.Context, err error) (*Result, error) {
	kind := txerr.Classify(err)
	r.result.Kind = kind
	r.result.Stage = txn.StageRejected
	r.emit(ctx, txn.StageRejected, err)
	if r.p.metrics != nil {
		r.p.metrics.RecordOutcome(natspkg.FlowSend, string(txn.StageRejected), string(kind))
	}
	r.p.logger.WarnContext(ctx, "transfer rejected",
		"pipeline_id", r.result.PipelineID,
		"error_kind", string(kind),
		"error", err,
	)
	return r.result, err
}

func (r *instance) finish(ctx context.Context, sig solanago.Signature, status txn.ConfirmationStatus) (*Result, error) {
	res := r.result
	res.Status = status
	res.Stage = txn.StageFor(status)

	var err error
	switch {
	case status.Succeeded():
	case status == txn.StatusFailed:
		err = txerr.ErrTransactionFailed.Withf("confirm", "transaction %s failed on chain", sig)
		res.Kind = txerr.Classify(err)
	default:
		res.Kind = txerr.KindConfirmationUnknown
		r.watch(ctx, sig)
	}

	r.emit(ctx, res.Stage, err)
	if r.p.metrics != nil {
		r.p.metrics.RecordOutcome(natspkg.FlowSend, string(res.Stage), string(res.Kind))
	}
	r.p.logger.InfoContext(ctx, "transfer finished",
		"pipeline_id", res.PipelineID,
		"signature", res.Signature,
		"status", status.String(),
	)
	return res, err
}

// watch hands an unresolved signature to the durable watcher. The caller's
// context may already be done, so the handoff runs detached from it.
func (r *instance) watch(ctx context.Context, sig solanago.Signature) {
	if r.p.cfg.Watcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.p.cfg.Watcher.Watch(ctx, sig, r.wallet); err != nil {
		r.p.logger.ErrorContext(ctx, "failed to start confirmation watch", "signature", sig.String(), "error", err)
	}
}

func (r *instance) emit(ctx context.Context, stage txn.Stage, err error) {
	if r.p.cfg.Publisher == nil {
		return
	}
	event := &natspkg.PipelineEvent{
		PipelineID:    r.result.PipelineID,
		Flow:          natspkg.FlowSend,
		Stage:         string(stage),
		WalletAddress: r.wallet,
		Signature:     r.result.Signature,
		Timestamp:     time.Now().UTC(),
	}
	if r.result.Signature != "" {
		event.Status = r.result.Status.String()
	}
	if err != nil {
		event.ErrorKind = string(txerr.Classify(err))
		event.Message = err.Error()
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := r.p.cfg.Publisher.PublishEvent(pubCtx, event); perr != nil {
		r.p.logger.WarnContext(ctx, "failed to publish pipeline event",
			"pipeline_id", event.PipelineID,
			"stage", event.Stage,
			"error", perr,
		)
	}
}
