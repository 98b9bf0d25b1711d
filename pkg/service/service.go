// Package service is the application layer over the escrow core. Every
// transport (JSON-RPC agent loop, MCP tools, simulator) calls into a
// Service, so input validation, idempotency and the load/apply/commit cycle
// live in one place.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/metrics"
	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/idempotency"
	"github.com/cgast/clearinghouse/pkg/orchestrator"
	"github.com/cgast/clearinghouse/pkg/settlement"
	"github.com/cgast/clearinghouse/pkg/store"
	"github.com/cgast/clearinghouse/pkg/verify"
)

// Input limits.
const (
	MinDescription    = 10
	MaxDescription    = 5000
	MinMaxRetries     = 1
	MaxMaxRetries     = 10
	DefaultMaxRetries = 3
	MaxPayload        = 100000
	MinDisputeReason  = 10
	MaxDisputeReason  = 2000
)

// Resolution names the winning party of a dispute.
type Resolution string

const (
	ResolveForWorker Resolution = "worker"
	ResolveForBuyer  Resolution = "buyer"
)

// CreateCommand opens a contract.
type CreateCommand struct {
	IdempotencyKey string          `json:"-"`
	BuyerID        string          `json:"buyer_id"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Description    string          `json:"description"`
	VerifierType   string          `json:"verifier_type"`
	Requirements   json.RawMessage `json:"requirements,omitempty"`
	VerifierParams map[string]any  `json:"verifier_params,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
}

// FundCommand records that the buyer's deposit is confirmed.
type FundCommand struct {
	IdempotencyKey string `json:"-"`
	ContractID     string `json:"contract_id"`
	TxHash         string `json:"tx_hash"`
	Actor          string `json:"actor,omitempty"`
}

// AcceptCommand assigns a worker.
type AcceptCommand struct {
	IdempotencyKey string `json:"-"`
	ContractID     string `json:"contract_id"`
	WorkerID       string `json:"worker_id"`
}

// SubmitCommand hands in work. WorkerID defaults to the assigned worker.
type SubmitCommand struct {
	IdempotencyKey string `json:"-"`
	ContractID     string `json:"contract_id"`
	WorkerID       string `json:"worker_id,omitempty"`
	Payload        string `json:"payload"`
}

// RaiseDisputeCommand moves a contract into DISPUTED.
type RaiseDisputeCommand struct {
	IdempotencyKey string `json:"-"`
	ContractID     string `json:"contract_id"`
	RaisedBy       string `json:"raised_by"`
	Reason         string `json:"reason"`
}

// ResolveDisputeCommand settles a dispute for one party.
type ResolveDisputeCommand struct {
	IdempotencyKey string     `json:"-"`
	ContractID     string     `json:"contract_id"`
	Resolution     Resolution `json:"resolution"`
	Actor          string     `json:"actor,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// ExpireCommand fails a contract that was never funded.
type ExpireCommand struct {
	IdempotencyKey string `json:"-"`
	ContractID     string `json:"contract_id"`
	Actor          string `json:"actor,omitempty"`
}

// Status is a contract snapshot plus the triggers legal from its state.
type Status struct {
	Contract        escrow.Contract  `json:"contract"`
	AllowedTriggers []escrow.Trigger `json:"allowed_triggers"`
}

// Service executes escrow commands.
type Service struct {
	store             store.Store
	ledger            *escrow.Ledger
	factory           *verify.Factory
	rail              settlement.Rail
	orch              *orchestrator.Orchestrator
	orchOpts          []orchestrator.Option
	guard             *idempotency.Guard
	publisher         orchestrator.Publisher
	metrics           *metrics.Metrics
	logger            *zap.Logger
	autoVerify        bool
	defaultMaxRetries int
	newID             func() string
	now               func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithGuard enables idempotency keys. Without a guard, keys are ignored.
func WithGuard(g *idempotency.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithPublisher forwards every committed journal entry to p.
func WithPublisher(p orchestrator.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics records transitions and idempotency outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAutoVerify controls whether Submit runs verification before
// returning. It is on by default.
func WithAutoVerify(on bool) Option {
	return func(s *Service) { s.autoVerify = on }
}

// WithDefaultMaxRetries sets max_retries for contracts created without one.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= MinMaxRetries && n <= MaxMaxRetries {
			s.defaultMaxRetries = n
		}
	}
}

// WithLedger replaces the ledger, e.g. to share a clock.
func WithLedger(l *escrow.Ledger) Option {
	return func(s *Service) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithIDGenerator overrides contract and submission ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithOrchestratorOptions passes options through to the orchestrator the
// service builds. Publisher, metrics, ledger and logger are shared already.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(s *Service) { s.orchOpts = append(s.orchOpts, opts...) }
}

// New creates a service over st. Strategies come from factory and payouts
// go through rail.
func New(st store.Store, factory *verify.Factory, rail settlement.Rail, opts ...Option) *Service {
	s := &Service{
		store:             st,
		ledger:            escrow.NewLedger(),
		factory:           factory,
		rail:              rail,
		logger:            zap.NewNop(),
		autoVerify:        true,
		defaultMaxRetries: DefaultMaxRetries,
		newID:             uuid.NewString,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithLedger(s.ledger),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithLogger(s.logger),
	}
	s.logger = s.logger.With(zap.String("component", "service"))
	if s.publisher != nil {
		orchOpts = append(orchOpts, orchestrator.WithPublisher(s.publisher))
	}
	s.orch = orchestrator.New(st, factory, rail, append(orchOpts, s.orchOpts...)...)
	return s
}

// Create opens a contract in CREATED.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (escrow.Contract, error) {
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = s.defaultMaxRetries
	}
	if cmd.Currency == "" {
		cmd.Currency = escrow.DefaultCurrency
	}
	if err := s.validateCreate(cmd); err != nil {
		return escrow.Contract{}, err
	}

	return s.idempotent(ctx, cmd.IdempotencyKey, "create", cmd, func() (escrow.Contract, error) {
		out := s.ledger.Create(escrow.Contract{
			ID:             s.newID(),
			BuyerID:        cmd.BuyerID,
			Amount:         cmd.Amount,
			Currency:       cmd.Currency,
			Description:    cmd.Description,
			VerifierType:   cmd.VerifierType,
			Requirements:   cmd.Requirements,
			VerifierParams: cmd.VerifierParams,
			MaxRetries:     cmd.MaxRetries,
		}, cmd.BuyerID)

		committed, err := s.store.Create(ctx, out.Contract, out.Events)
		if err != nil {
			return escrow.Contract{}, fmt.Errorf("create contract: %w", err)
		}
		s.committed("create", committed)
		s.logger.Info("contract created",
			zap.String("contract_id", committed.Contract.ID),
			zap.Int64("amount", cmd.Amount),
			zap.String("verifier", cmd.VerifierType))
		return committed.Contract, nil
	})
}

func (s *Service) validateCreate(cmd CreateCommand) error {
	n := utf8.RuneCountInString(cmd.Description)
	switch {
	case cmd.BuyerID == "":
		return &escrow.ValidationError{Field: "buyer_id", Reason: "required"}
	case cmd.Amount <= 0:
		return &escrow.ValidationError{Field: "amount", Reason: "must be positive"}
	case n < MinDescription || n > MaxDescription:
		return &escrow.ValidationError{Field: "description", Reason: fmt.Sprintf("length must be %d..%d characters", MinDescription, MaxDescription)}
	case cmd.MaxRetries < MinMaxRetries || cmd.MaxRetries > MaxMaxRetries:
		return &escrow.ValidationError{Field: "max_retries", Reason: fmt.Sprintf("must be %d..%d", MinMaxRetries, MaxMaxRetries)}
	case len(cmd.Requirements) > 0 && !json.Valid(cmd.Requirements):
		return &escrow.ValidationError{Field: "requirements", Reason: "not valid JSON"}
	}
	if s.factory == nil || !s.factory.Supports(cmd.VerifierType) {
		return &escrow.UnsupportedVerifierTypeError{Type: cmd.VerifierType}
	}
	return nil
}

// Fund moves CREATED to FUNDED and records the deposit transaction.
func (s *Service) Fund(ctx context.Context, cmd FundCommand) (escrow.Contract, error) {
	if cmd.ContractID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "contract_id", Reason: "required"}
	}
	if cmd.TxHash == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "tx_hash", Reason: "required"}
	}
	return s.idempotent(ctx, cmd.IdempotencyKey, "fund", cmd, func() (escrow.Contract, error) {
		return s.transition(ctx, cmd.ContractID, escrow.Input{
			Trigger:       escrow.TriggerFund,
			Actor:         cmd.Actor,
			FundingTxHash: cmd.TxHash,
			Details:       map[string]any{"tx_hash": cmd.TxHash},
		})
	})
}

// Accept assigns the worker and moves FUNDED to IN_PROGRESS.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (escrow.Contract, error) {
	if cmd.ContractID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "contract_id", Reason: "required"}
	}
	if cmd.WorkerID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "worker_id", Reason: "required"}
	}
	return s.idempotent(ctx, cmd.IdempotencyKey, "accept", cmd, func() (escrow.Contract, error) {
		return s.transition(ctx, cmd.ContractID, escrow.Input{
			Trigger:  escrow.TriggerAccept,
			Actor:    cmd.WorkerID,
			WorkerID: cmd.WorkerID,
		})
	})
}

// Submit records a submission and, unless auto-verification is off, runs
// verification before returning. A verification run that cannot finish is
// logged and the SUBMITTED snapshot is returned; Verify can rerun it.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (escrow.Contract, error) {
	if cmd.ContractID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "contract_id", Reason: "required"}
	}
	if n := utf8.RuneCountInString(cmd.Payload); n < 1 || n > MaxPayload {
		return escrow.Contract{}, &escrow.ValidationError{Field: "payload", Reason: fmt.Sprintf("length must be 1..%d characters", MaxPayload)}
	}
	return s.idempotent(ctx, cmd.IdempotencyKey, "submit", cmd, func() (escrow.Contract, error) {
		c, err := s.store.Load(ctx, cmd.ContractID)
		if err != nil {
			return escrow.Contract{}, err
		}
		worker := cmd.WorkerID
		if worker == "" {
			worker = c.WorkerID
		}
		if c.WorkerID != "" && worker != c.WorkerID {
			return c, &escrow.PreconditionError{Reason: "only the assigned worker may submit"}
		}

		sub := escrow.Submission{
			ID:          s.newID(),
			ContractID:  c.ID,
			SubmittedBy: worker,
			Payload:     cmd.Payload,
			SubmittedAt: s.now().UTC(),
		}
		out, err := s.ledger.Apply(c, escrow.Input{
			Trigger: escrow.TriggerSubmit,
			Actor:   worker,
			Details: map[string]any{"submission_id": sub.ID},
		})
		if err != nil {
			return c, err
		}

		committed, err := s.commit(ctx, store.Mutation{
			Contract:        out.Contract,
			ExpectedVersion: c.Version,
			Events:          out.Events,
			Submission:      &sub,
		})
		if err != nil {
			return c, err
		}
		s.committed(string(escrow.TriggerSubmit), committed)
		s.logger.Info("work submitted", zap.String("contract_id", c.ID), zap.String("submission_id", sub.ID))

		if !s.autoVerify {
			return committed.Contract, nil
		}
		verified, err := s.orch.Run(ctx, committed.Contract, sub)
		if err != nil {
			s.logger.Warn("verification did not complete", zap.String("contract_id", c.ID), zap.Error(err))
			return committed.Contract, nil
		}
		return verified, nil
	})
}

// Verify reruns verification of the latest submission of a SUBMITTED
// contract.
func (s *Service) Verify(ctx context.Context, contractID string) (escrow.Contract, error) {
	c, err := s.store.Load(ctx, contractID)
	if err != nil {
		return escrow.Contract{}, err
	}
	if c.Status != escrow.StatusSubmitted {
		return c, &escrow.PreconditionError{Reason: fmt.Sprintf("verification requires SUBMITTED, contract is %s", c.Status)}
	}
	subs, err := s.store.ListSubmissions(ctx, contractID)
	if err != nil {
		return c, fmt.Errorf("list submissions: %w", err)
	}
	if len(subs) == 0 {
		return c, &escrow.CorruptionError{ContractID: c.ID, Detail: "SUBMITTED without a submission"}
	}
	return s.orch.Run(ctx, c, subs[len(subs)-1])
}

// RecoverVerification finishes an interrupted verification of a contract
// left in VERIFYING. See orchestrator.Recover.
func (s *Service) RecoverVerification(ctx context.Context, contractID string) (escrow.Contract, error) {
	c, err := s.store.Load(ctx, contractID)
	if err != nil {
		return escrow.Contract{}, err
	}
	if c.Status != escrow.StatusVerifying {
		return c, &escrow.PreconditionError{Reason: fmt.Sprintf("recovery requires VERIFYING, contract is %s", c.Status)}
	}
	subs, err := s.store.ListSubmissions(ctx, contractID)
	if err != nil {
		return c, fmt.Errorf("list submissions: %w", err)
	}
	if len(subs) == 0 {
		return c, &escrow.CorruptionError{ContractID: c.ID, Detail: "VERIFYING without a submission"}
	}
	return s.orch.Recover(ctx, c, subs[len(subs)-1])
}

// RaiseDispute moves a FUNDED or IN_PROGRESS contract to DISPUTED.
func (s *Service) RaiseDispute(ctx context.Context, cmd RaiseDisputeCommand) (escrow.Contract, error) {
	if cmd.ContractID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "contract_id", Reason: "required"}
	}
	if cmd.RaisedBy == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "raised_by", Reason: "required"}
	}
	if n := utf8.RuneCountInString(cmd.Reason); n < MinDisputeReason || n > MaxDisputeReason {
		return escrow.Contract{}, &escrow.ValidationError{Field: "reason", Reason: fmt.Sprintf("length must be %d..%d characters", MinDisputeReason, MaxDisputeReason)}
	}
	return s.idempotent(ctx, cmd.IdempotencyKey, "raise_dispute", cmd, func() (escrow.Contract, error) {
		return s.transition(ctx, cmd.ContractID, escrow.Input{
			Trigger: escrow.TriggerRaiseDispute,
			Actor:   cmd.RaisedBy,
			Reason:  cmd.Reason,
		})
	})
}

// ResolveDispute closes a dispute. A worker win pays the worker and
// completes the contract; a buyer win refunds the buyer and fails it.
//
// The resolution is claimed with a version-checked commit before the rail
// is called, so of two competing resolutions only one can move money. A
// claimed resolution whose transfer or final commit failed can be resumed
// by repeating it; any other resolution is refused.
func (s *Service) ResolveDispute(ctx context.Context, cmd ResolveDisputeCommand) (escrow.Contract, error) {
	if cmd.ContractID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "contract_id", Reason: "required"}
	}
	if cmd.Resolution != ResolveForWorker && cmd.Resolution != ResolveForBuyer {
		return escrow.Contract{}, &escrow.ValidationError{Field: "resolution", Reason: `must be "worker" or "buyer"`}
	}
	return s.idempotent(ctx, cmd.IdempotencyKey, "resolve_dispute", cmd, func() (escrow.Contract, error) {
		c, err := s.store.Load(ctx, cmd.ContractID)
		if err != nil {
			return escrow.Contract{}, err
		}
		in := escrow.Input{Trigger: escrow.TriggerResolveForBuyer, Actor: cmd.Actor, Details: map[string]any{}}
		recipient := c.BuyerID
		if cmd.Resolution == ResolveForWorker {
			in.Trigger = escrow.TriggerResolveForWorker
			recipient = c.WorkerID
		}
		if cmd.Note != "" {
			in.Details["note"] = cmd.Note
		}
		if s.rail == nil {
			return c, errors.New("no settlement rail configured")
		}

		claim, err := s.ledger.ClaimResolution(c, escrow.Input{
			Trigger: in.Trigger,
			Actor:   cmd.Actor,
			Details: map[string]any{"recipient": recipient},
		})
		if err != nil {
			return c, err
		}
		if len(claim.Events) > 0 {
			committed, err := s.commit(ctx, store.Mutation{Contract: claim.Contract, ExpectedVersion: c.Version, Events: claim.Events})
			if err != nil {
				return c, err
			}
			s.committed("claim_"+string(in.Trigger), committed)
			c = committed.Contract
		}

		tx, err := s.rail.Transfer(ctx, c.ID, c.Amount, c.Currency, recipient)
		s.metrics.Settlement(string(cmd.Resolution), err)
		if err != nil {
			s.logger.Warn("dispute settlement failed",
				zap.String("contract_id", c.ID),
				zap.String("resolution", string(cmd.Resolution)),
				zap.Error(err))
			return c, fmt.Errorf("settle dispute for %s: %w", cmd.Resolution, err)
		}
		if cmd.Resolution == ResolveForWorker {
			in.SettlementTxHash = tx
		} else {
			in.Details["refund_tx_hash"] = tx
			in.Details["recipient"] = recipient
		}
		return s.apply(ctx, c, in)
	})
}

// Expire fails a contract that is still CREATED.
func (s *Service) Expire(ctx context.Context, cmd ExpireCommand) (escrow.Contract, error) {
	if cmd.ContractID == "" {
		return escrow.Contract{}, &escrow.ValidationError{Field: "contract_id", Reason: "required"}
	}
	return s.idempotent(ctx, cmd.IdempotencyKey, "expire", cmd, func() (escrow.Contract, error) {
		return s.transition(ctx, cmd.ContractID, escrow.Input{Trigger: escrow.TriggerExpire, Actor: cmd.Actor})
	})
}

// GetStatus returns the contract and the triggers legal from its status.
func (s *Service) GetStatus(ctx context.Context, contractID string) (Status, error) {
	c, err := s.store.Load(ctx, contractID)
	if err != nil {
		return Status{}, err
	}
	return Status{Contract: c, AllowedTriggers: escrow.AllowedTriggers(c.Status)}, nil
}

// ListEvents returns the contract's journal in sequence order.
func (s *Service) ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error) {
	if _, err := s.store.Load(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, contractID)
}

// ListSubmissions returns the contract's submissions oldest first.
func (s *Service) ListSubmissions(ctx context.Context, contractID string) ([]escrow.Submission, error) {
	if _, err := s.store.Load(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, contractID)
}

// transition loads the contract and applies in to it.
func (s *Service) transition(ctx context.Context, id string, in escrow.Input) (escrow.Contract, error) {
	c, err := s.store.Load(ctx, id)
	if err != nil {
		return escrow.Contract{}, err
	}
	return s.apply(ctx, c, in)
}

// apply fires in against the snapshot c and commits at c's version.
func (s *Service) apply(ctx context.Context, c escrow.Contract, in escrow.Input) (escrow.Contract, error) {
	out, err := s.ledger.Apply(c, in)
	if err != nil {
		return c, err
	}
	committed, err := s.commit(ctx, store.Mutation{Contract: out.Contract, ExpectedVersion: c.Version, Events: out.Events})
	if err != nil {
		return c, err
	}
	s.committed(string(in.Trigger), committed)
	s.logger.Info("transition",
		zap.String("contract_id", c.ID),
		zap.String("trigger", string(in.Trigger)),
		zap.String("from", string(c.Status)),
		zap.String("to", string(committed.Contract.Status)))
	return committed.Contract, nil
}

func (s *Service) commit(ctx context.Context, m store.Mutation) (store.Committed, error) {
	committed, err := s.store.Commit(ctx, m)
	if err != nil && errors.Is(err, escrow.ErrVersionConflict) {
		s.metrics.VersionConflict()
	}
	return committed, err
}

func (s *Service) committed(trigger string, c store.Committed) {
	s.metrics.Transition(trigger, string(c.Contract.Status))
	if s.publisher != nil {
		s.publisher.Publish(c.Events...)
	}
}

// idempotent runs fn at most once per key. A replay with the same command
// returns the current snapshot of the original result together with a
// DuplicateOperationError; a replay with a different command returns a
// ConflictError. A failed command releases its key.
func (s *Service) idempotent(ctx context.Context, key, op string, cmd any, fn func() (escrow.Contract, error)) (escrow.Contract, error) {
	if key == "" || s.guard == nil {
		return fn()
	}
	fp, err := idempotency.Fingerprint(op, cmd)
	if err != nil {
		return escrow.Contract{}, err
	}
	outcome, err := s.guard.CheckAndReserve(ctx, key, fp)
	if err != nil {
		return escrow.Contract{}, err
	}
	s.metrics.Idempotency(string(outcome.Status))

	switch outcome.Status {
	case idempotency.StatusConflict:
		return escrow.Contract{}, &escrow.ConflictError{Key: key}
	case idempotency.StatusDuplicate:
		dup := &escrow.DuplicateOperationError{Key: key, ResultRef: outcome.ResultRef}
		if outcome.ResultRef == "" {
			return escrow.Contract{}, dup
		}
		c, err := s.store.Load(ctx, outcome.ResultRef)
		if err != nil {
			return escrow.Contract{}, fmt.Errorf("load result of %q: %w", key, err)
		}
		s.logger.Info("duplicate command", zap.String("op", op), zap.String("key", key), zap.String("contract_id", c.ID))
		return c, dup
	}

	c, err := fn()
	if err != nil {
		if rerr := s.guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
			s.logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(rerr))
		}
		return c, err
	}
	if cerr := s.guard.Complete(context.WithoutCancel(ctx), key, c.ID); cerr != nil {
		s.logger.Warn("idempotency complete failed", zap.String("key", key), zap.Error(cerr))
	}
	return c, nil
}
