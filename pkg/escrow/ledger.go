package escrow

import (
	"fmt"
	"sort"
	"time"
)

// Trigger is an event fired against a contract's state machine.
type Trigger string

const (
	TriggerFund               Trigger = "fund"
	TriggerExpire             Trigger = "expire"
	TriggerAccept             Trigger = "accept"
	TriggerSubmit             Trigger = "submit"
	TriggerBeginVerification  Trigger = "begin_verification"
	TriggerVerificationPassed Trigger = "verification_passed"
	TriggerVerificationFailed Trigger = "verification_failed"
	TriggerRaiseDispute       Trigger = "raise_dispute"
	TriggerResolveForWorker   Trigger = "resolve_for_worker"
	TriggerResolveForBuyer    Trigger = "resolve_for_buyer"
)

// Input carries a trigger and the values its guard and effect read.
type Input struct {
	Trigger          Trigger
	Actor            string
	WorkerID         string         // accept
	FundingTxHash    string         // fund
	SettlementTxHash string         // verification_passed, resolve_for_worker
	Reason           string         // raise_dispute, verification_failed
	Details          map[string]any // merged into the primary event payload
}

// Outcome is the result of a legal transition: the next contract state and
// the journal entries describing it. Nothing is persisted by the ledger.
type Outcome struct {
	Contract Contract
	Events   []Event
}

type rule struct {
	to    Status
	route func(c Contract) Status // overrides to when the target depends on state
	guard func(c Contract, in Input) error
	apply func(c *Contract, in Input)
	event EventType
}

// transitions is the complete adjacency list of the contract state machine.
var transitions = map[Status]map[Trigger]rule{
	StatusCreated: {
		TriggerFund: {
			to:    StatusFunded,
			apply: func(c *Contract, in Input) { c.FundingTxHash = in.FundingTxHash },
			event: EventContractFunded,
		},
		TriggerExpire: {to: StatusFailed, event: EventContractExpired},
	},
	StatusFunded: {
		TriggerAccept: {
			to:    StatusInProgress,
			guard: requireWorker,
			apply: func(c *Contract, in Input) { c.WorkerID = in.WorkerID },
			event: EventWorkerAssigned,
		},
		TriggerRaiseDispute: {to: StatusDisputed, event: EventDisputeRaised},
	},
	StatusInProgress: {
		TriggerSubmit:       {to: StatusSubmitted, event: EventWorkSubmitted},
		TriggerRaiseDispute: {to: StatusDisputed, event: EventDisputeRaised},
	},
	StatusSubmitted: {
		TriggerBeginVerification: {to: StatusVerifying, event: EventVerificationStarted},
	},
	StatusVerifying: {
		TriggerVerificationPassed: {
			to:    StatusCompleted,
			guard: requireSettlement,
			apply: func(c *Contract, in Input) { c.SettlementTxHash = in.SettlementTxHash },
			event: EventVerificationPassed,
		},
		TriggerVerificationFailed: {
			route: func(c Contract) Status {
				if c.RetryCount < c.MaxRetries {
					return StatusInProgress
				}
				return StatusFailed
			},
			apply: func(c *Contract, _ Input) { c.RetryCount++ },
			event: EventVerificationFailed,
		},
	},
	StatusDisputed: {
		TriggerResolveForWorker: {
			to: StatusCompleted,
			guard: func(c Contract, in Input) error {
				if err := requireClaim(c, in); err != nil {
					return err
				}
				if err := requireAssignedWorker(c); err != nil {
					return err
				}
				return requireSettlement(c, in)
			},
			apply: func(c *Contract, in Input) {
				c.SettlementTxHash = in.SettlementTxHash
				c.PendingResolution = ""
			},
			event: EventDisputeResolvedWorker,
		},
		TriggerResolveForBuyer: {
			to:    StatusFailed,
			guard: requireClaim,
			apply: func(c *Contract, _ Input) { c.PendingResolution = "" },
			event: EventDisputeResolvedBuyer,
		},
	},
}

func isResolution(t Trigger) bool {
	return t == TriggerResolveForWorker || t == TriggerResolveForBuyer
}

// requireClaim refuses a resolution other than the one holding the claim.
func requireClaim(c Contract, in Input) error {
	if c.PendingResolution != "" && c.PendingResolution != in.Trigger {
		return &PreconditionError{Reason: fmt.Sprintf("dispute settlement already started by %s", c.PendingResolution)}
	}
	return nil
}

func requireAssignedWorker(c Contract) error {
	if c.WorkerID == "" {
		return &PreconditionError{Reason: "dispute cannot be resolved for a worker that was never assigned"}
	}
	return nil
}

func requireWorker(_ Contract, in Input) error {
	if in.WorkerID == "" {
		return &PreconditionError{Reason: "accept requires a worker identity"}
	}
	return nil
}

func requireSettlement(_ Contract, in Input) error {
	if in.SettlementTxHash == "" {
		return &PreconditionError{Reason: "completion requires a settlement transaction hash"}
	}
	return nil
}

// Ledger applies transitions to contracts. It is stateless apart from its
// clock and safe for concurrent use.
type Ledger struct {
	now func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides the time source used for UpdatedAt and event timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create opens a new contract in CREATED and returns its creation event.
// The contract's Version is left for the store to assign.
func (l *Ledger) Create(c Contract, actor string) Outcome {
	now := l.now().UTC()
	c.Status = StatusCreated
	c.RetryCount = 0
	c.WorkerID = ""
	c.SettlementTxHash = ""
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}

	ev := Event{
		ContractID: c.ID,
		Type:       EventContractCreated,
		Actor:      actor,
		Timestamp:  now,
		Payload: map[string]any{
			"to":            string(StatusCreated),
			"amount":        c.Amount,
			"currency":      c.Currency,
			"verifier_type": c.VerifierType,
			"description":   c.Description,
		},
	}
	return Outcome{Contract: c, Events: []Event{ev}}
}

// Apply fires in.Trigger against c. It returns InvalidTransitionError when the
// trigger is not legal from c.Status and PreconditionError when a guard fails.
func (l *Ledger) Apply(c Contract, in Input) (Outcome, error) {
	if !c.Status.Valid() {
		return Outcome{}, &CorruptionError{ContractID: c.ID, Detail: "unknown status " + string(c.Status)}
	}

	r, ok := transitions[c.Status][in.Trigger]
	if !ok {
		return Outcome{}, &InvalidTransitionError{From: c.Status, Trigger: in.Trigger}
	}
	if r.guard != nil {
		if err := r.guard(c, in); err != nil {
			return Outcome{}, err
		}
	}

	from := c.Status
	next := c
	if r.apply != nil {
		r.apply(&next, in)
	}
	next.Status = r.to
	if r.route != nil {
		next.Status = r.route(next)
	}
	now := l.now().UTC()
	next.UpdatedAt = now

	if err := next.checkState(); err != nil {
		return Outcome{}, err
	}

	actor := in.Actor
	if actor == "" {
		actor = SystemActor
	}

	payload := map[string]any{
		"from": string(from),
		"to":   string(next.Status),
	}
	for k, v := range in.Details {
		payload[k] = v
	}
	if in.Reason != "" {
		payload["reason"] = in.Reason
	}

	events := []Event{{
		ContractID: c.ID,
		Type:       r.event,
		Actor:      actor,
		Timestamp:  now,
		Payload:    payload,
	}}

	switch {
	case in.Trigger == TriggerVerificationFailed && next.Status == StatusFailed:
		events = append(events, Event{
			ContractID: c.ID,
			Type:       EventMaxRetriesExceeded,
			Actor:      SystemActor,
			Timestamp:  now,
			Payload: map[string]any{
				"retry_count": next.RetryCount,
				"max_retries": next.MaxRetries,
			},
		})
	case next.Status == StatusCompleted:
		events = append(events, Event{
			ContractID: c.ID,
			Type:       EventPaymentConfirmed,
			Actor:      SystemActor,
			Timestamp:  now,
			Payload: map[string]any{
				"tx_hash":   next.SettlementTxHash,
				"recipient": next.WorkerID,
				"amount":    next.Amount,
				"currency":  next.Currency,
			},
		})
	}

	if in.Trigger == TriggerVerificationFailed {
		payload["retry_count"] = next.RetryCount
	}

	return Outcome{Contract: next, Events: events}, nil
}

// ClaimResolution reserves a DISPUTED contract's funds for one resolution.
// The claim must be committed at the version the caller read before any
// money moves, so a competing resolution loses on the version check. When
// in.Trigger already holds the claim the outcome carries no events and
// nothing needs committing.
func (l *Ledger) ClaimResolution(c Contract, in Input) (Outcome, error) {
	if !c.Status.Valid() {
		return Outcome{}, &CorruptionError{ContractID: c.ID, Detail: "unknown status " + string(c.Status)}
	}
	if c.Status != StatusDisputed || !isResolution(in.Trigger) {
		return Outcome{}, &InvalidTransitionError{From: c.Status, Trigger: in.Trigger}
	}
	if err := requireClaim(c, in); err != nil {
		return Outcome{}, err
	}
	if in.Trigger == TriggerResolveForWorker {
		if err := requireAssignedWorker(c); err != nil {
			return Outcome{}, err
		}
	}
	if c.PendingResolution == in.Trigger {
		return Outcome{Contract: c}, nil
	}

	next := c
	next.PendingResolution = in.Trigger
	now := l.now().UTC()
	next.UpdatedAt = now

	actor := in.Actor
	if actor == "" {
		actor = SystemActor
	}
	payload := map[string]any{
		"from":       string(c.Status),
		"to":         string(next.Status),
		"resolution": string(in.Trigger),
	}
	for k, v := range in.Details {
		payload[k] = v
	}
	ev := Event{
		ContractID: c.ID,
		Type:       EventDisputeSettling,
		Actor:      actor,
		Timestamp:  now,
		Payload:    payload,
	}
	return Outcome{Contract: next, Events: []Event{ev}}, nil
}

// AllowedTriggers lists the triggers legal from status, sorted by name.
func AllowedTriggers(status Status) []Trigger {
	rules := transitions[status]
	out := make([]Trigger, 0, len(rules))
	for t := range rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
