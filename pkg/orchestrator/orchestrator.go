// Package orchestrator drives a submitted contract through verification and
// settlement. A run that moves a contract to VERIFYING always moves it out
// again, whatever the verifier or the caller does.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/metrics"
	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/settlement"
	"github.com/cgast/clearinghouse/pkg/store"
	"github.com/cgast/clearinghouse/pkg/verify"
)

// DefaultTimeout bounds one verifier evaluation.
const DefaultTimeout = 30 * time.Second

// Publisher receives journal entries after they are committed.
type Publisher interface {
	Publish(evs ...escrow.Event)
}

// Orchestrator runs verification for submitted contracts.
type Orchestrator struct {
	store          store.Store
	ledger         *escrow.Ledger
	factory        *verify.Factory
	rail           settlement.Rail
	timeout        time.Duration
	finalizeWithin time.Duration
	commitBackOff  func() backoff.BackOff
	commitTries    uint
	staleAfter     time.Duration
	now            func() time.Time
	publisher      Publisher
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the evaluation timeout. Per-contract "timeout" params may
// only shorten it.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLedger replaces the ledger, e.g. to share a clock.
func WithLedger(l *escrow.Ledger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.ledger = l
		}
	}
}

// WithCommitBackOff sets the retry schedule for the final commit.
func WithCommitBackOff(b func() backoff.BackOff, tries uint) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.commitBackOff = b
		}
		if tries > 0 {
			o.commitTries = tries
		}
	}
}

// WithStaleAfter sets how long a contract must have been VERIFYING before
// Recover will take it over. The default is the evaluation timeout plus the
// time allowed for the verdict commit.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithClock overrides the time source used to judge staleness.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPublisher forwards committed events to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records verdicts and transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator.
func New(st store.Store, factory *verify.Factory, rail settlement.Rail, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          st,
		ledger:         escrow.NewLedger(),
		factory:        factory,
		rail:           rail,
		timeout:        DefaultTimeout,
		finalizeWithin: 30 * time.Second,
		commitBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		commitTries: 8,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.staleAfter == 0 {
		o.staleAfter = o.timeout + o.finalizeWithin
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// Run verifies sub against c, which must be SUBMITTED at the version the
// caller read. It returns the contract after the verdict was applied:
// COMPLETED, IN_PROGRESS or FAILED.
func (o *Orchestrator) Run(ctx context.Context, c escrow.Contract, sub escrow.Submission) (escrow.Contract, error) {
	if c.Status != escrow.StatusSubmitted {
		return c, &escrow.PreconditionError{Reason: fmt.Sprintf("verification requires SUBMITTED, contract is %s", c.Status)}
	}
	if sub.ContractID != c.ID {
		return c, &escrow.PreconditionError{Reason: "submission belongs to another contract"}
	}

	out, err := o.ledger.Apply(c, escrow.Input{
		Trigger: escrow.TriggerBeginVerification,
		Details: map[string]any{"submission_id": sub.ID, "verifier_type": c.VerifierType},
	})
	if err != nil {
		return c, err
	}
	committed, err := o.store.Commit(ctx, store.Mutation{Contract: out.Contract, ExpectedVersion: c.Version, Events: out.Events})
	if err != nil {
		if errors.Is(err, escrow.ErrVersionConflict) {
			o.metrics.VersionConflict()
		}
		return c, err
	}
	o.committed(escrow.TriggerBeginVerification, committed)
	verifying := committed.Contract

	log := o.logger.With(zap.String("contract_id", c.ID), zap.String("verifier", c.VerifierType))
	log.Info("verification started", zap.String("submission_id", sub.ID))

	start := time.Now()
	res := o.evaluate(ctx, verifying, sub)
	o.metrics.Verdict(c.VerifierType, res.Valid, string(res.Reason), time.Since(start))
	log.Info("verdict",
		zap.Bool("valid", res.Valid),
		zap.Float64("score", res.Score),
		zap.String("reason", string(res.Reason)),
		zap.Duration("elapsed", time.Since(start)))

	// The verdict must land even if the caller has gone away.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeWithin)
	defer cancel()
	return o.finalize(fctx, verifying, sub, res)
}

// Recover finishes a verification of c that was interrupted after the
// contract moved to VERIFYING: the process died mid-run or the verdict
// commit ran out of retries. c must have been VERIFYING for at least the
// stale threshold. A payment the rail already made to the worker is
// committed as a pass without consulting the verifier again; otherwise sub
// is evaluated afresh and its verdict settled as in Run.
func (o *Orchestrator) Recover(ctx context.Context, c escrow.Contract, sub escrow.Submission) (escrow.Contract, error) {
	if c.Status != escrow.StatusVerifying {
		return c, &escrow.PreconditionError{Reason: fmt.Sprintf("recovery requires VERIFYING, contract is %s", c.Status)}
	}
	if sub.ContractID != c.ID {
		return c, &escrow.PreconditionError{Reason: "submission belongs to another contract"}
	}
	if age := o.now().Sub(c.UpdatedAt); age < o.staleAfter {
		return c, &escrow.PreconditionError{Reason: fmt.Sprintf("verification started %s ago and may still be running", age.Round(time.Second))}
	}
	finder, ok := o.rail.(settlement.Finder)
	if !ok {
		return c, errors.New("settlement rail cannot report earlier transfers")
	}

	log := o.logger.With(zap.String("contract_id", c.ID), zap.String("verifier", c.VerifierType))
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeWithin)
	defer cancel()

	tx, paid, err := finder.Find(ctx, c.ID, c.WorkerID)
	if err != nil {
		return c, fmt.Errorf("look up settlement for %s: %w", c.ID, err)
	}
	if paid {
		log.Info("recovering paid verification", zap.String("tx_hash", tx))
		in := escrow.Input{
			Trigger:          escrow.TriggerVerificationPassed,
			SettlementTxHash: tx,
			Details: map[string]any{
				"submission_id": sub.ID,
				"verifier_type": c.VerifierType,
				"recovered":     true,
			},
		}
		committed, err := o.commitWithRetry(fctx, c, in)
		if err != nil {
			return c, fmt.Errorf("commit recovered verdict for %s: %w", c.ID, err)
		}
		o.committed(in.Trigger, committed)
		return committed.Contract, nil
	}

	log.Info("re-running interrupted verification", zap.String("submission_id", sub.ID))
	start := time.Now()
	res := o.evaluate(ctx, c, sub)
	o.metrics.Verdict(c.VerifierType, res.Valid, string(res.Reason), time.Since(start))
	return o.finalize(fctx, c, sub, res)
}

// evaluate runs the strategy under the timeout. Every failure mode is
// folded into a failed Result.
func (o *Orchestrator) evaluate(ctx context.Context, c escrow.Contract, sub escrow.Submission) verify.Result {
	strategy, err := o.factory.Create(c.VerifierType)
	if err != nil {
		return verify.Fail(verify.ReasonUnsupported, err.Error(), nil)
	}

	timeout := o.timeout
	if d := verify.ParamDuration(c.VerifierParams, "timeout"); d > 0 && d < timeout {
		timeout = d
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := verify.Request{
		ContractID:   c.ID,
		SubmissionID: sub.ID,
		Payload:      sub.Payload,
		Requirements: c.Requirements,
		Params:       c.VerifierParams,
	}

	type outcome struct {
		res verify.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := strategy.Evaluate(evalCtx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			infra := &escrow.VerifierInfraError{Verifier: strategy.Name(), Err: out.err}
			return verify.Fail(verify.ReasonInfraError, infra.Error(), nil)
		}
		return out.res.Normalized()
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return verify.Fail(verify.ReasonTimeout, "verification cancelled: "+ctx.Err().Error(), nil)
		}
		return verify.Fail(verify.ReasonTimeout, fmt.Sprintf("verifier exceeded %s", timeout), nil)
	}
}

// finalize settles a passing verdict and commits the outcome.
func (o *Orchestrator) finalize(ctx context.Context, c escrow.Contract, sub escrow.Submission, res verify.Result) (escrow.Contract, error) {
	details := map[string]any{
		"submission_id": sub.ID,
		"verifier_type": c.VerifierType,
		"score":         res.Score,
	}
	if len(res.Details) > 0 {
		details["details"] = res.Details
	}

	in := escrow.Input{Trigger: escrow.TriggerVerificationFailed, Reason: string(res.Reason), Details: details}
	if res.Valid {
		tx, err := o.transfer(ctx, c)
		if err != nil {
			in.Reason = string(verify.ReasonSettlementFault)
			details["settlement_error"] = err.Error()
		} else {
			in = escrow.Input{Trigger: escrow.TriggerVerificationPassed, SettlementTxHash: tx, Details: details}
		}
	}

	committed, err := o.commitWithRetry(ctx, c, in)
	if err != nil {
		o.logger.Error("verdict could not be committed",
			zap.String("contract_id", c.ID),
			zap.String("trigger", string(in.Trigger)),
			zap.Error(err))
		return c, fmt.Errorf("commit verdict for %s: %w", c.ID, err)
	}
	o.committed(in.Trigger, committed)
	return committed.Contract, nil
}

// transfer pays the worker after confirming the ledger would accept the
// completion.
func (o *Orchestrator) transfer(ctx context.Context, c escrow.Contract) (string, error) {
	if _, err := o.ledger.Apply(c, escrow.Input{Trigger: escrow.TriggerVerificationPassed, SettlementTxHash: "pending"}); err != nil {
		return "", err
	}
	if o.rail == nil {
		return "", errors.New("no settlement rail configured")
	}
	tx, err := o.rail.Transfer(ctx, c.ID, c.Amount, c.Currency, c.WorkerID)
	o.metrics.Settlement("worker", err)
	if err != nil {
		o.logger.Warn("settlement failed", zap.String("contract_id", c.ID), zap.Error(err))
		return "", err
	}
	return tx, nil
}

// commitWithRetry applies in to c and commits it, retrying transient store
// failures. A version conflict reloads the contract and retries only while
// it is still VERIFYING.
func (o *Orchestrator) commitWithRetry(ctx context.Context, c escrow.Contract, in escrow.Input) (store.Committed, error) {
	cur := c
	return backoff.Retry(ctx, func() (store.Committed, error) {
		out, err := o.ledger.Apply(cur, in)
		if err != nil {
			return store.Committed{}, backoff.Permanent(err)
		}
		committed, err := o.store.Commit(ctx, store.Mutation{Contract: out.Contract, ExpectedVersion: cur.Version, Events: out.Events})
		if err == nil {
			return committed, nil
		}

		var corrupt *escrow.CorruptionError
		switch {
		case errors.As(err, &corrupt), errors.Is(err, escrow.ErrNotFound):
			return store.Committed{}, backoff.Permanent(err)
		case errors.Is(err, escrow.ErrVersionConflict):
			o.metrics.VersionConflict()
			fresh, lerr := o.store.Load(ctx, cur.ID)
			if lerr != nil {
				return store.Committed{}, lerr
			}
			if fresh.Status != escrow.StatusVerifying {
				return store.Committed{}, backoff.Permanent(err)
			}
			cur = fresh
		}
		o.logger.Warn("verdict commit failed, retrying", zap.String("contract_id", cur.ID), zap.Error(err))
		return store.Committed{}, err
	}, backoff.WithBackOff(o.commitBackOff()), backoff.WithMaxTries(o.commitTries))
}

func (o *Orchestrator) committed(trigger escrow.Trigger, c store.Committed) {
	o.metrics.Transition(string(trigger), string(c.Contract.Status))
	if o.publisher != nil {
		o.publisher.Publish(c.Events...)
	}
}
