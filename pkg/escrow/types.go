package escrow

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an escrow contract.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusFunded     Status = "FUNDED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSubmitted  Status = "SUBMITTED"
	StatusVerifying  Status = "VERIFYING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDisputed   Status = "DISPUTED"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusCreated, StatusFunded, StatusInProgress, StatusSubmitted,
	StatusVerifying, StatusCompleted, StatusFailed, StatusDisputed,
}

// Valid reports whether s is one of the enumerated states.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// requiresWorker reports whether a contract in status s must have a worker.
func (s Status) requiresWorker() bool {
	switch s {
	case StatusInProgress, StatusSubmitted, StatusVerifying, StatusCompleted:
		return true
	}
	return false
}

// DefaultCurrency is used when a contract is created without one.
const DefaultCurrency = "USDC"

// Contract is the authoritative record of an escrow agreement.
// All mutation goes through Ledger.Apply.
type Contract struct {
	ID                string          `json:"id"`
	BuyerID           string          `json:"buyer_id"`
	WorkerID          string          `json:"worker_id,omitempty"`
	Status            Status          `json:"status"`
	Amount            int64           `json:"amount"` // minor units
	Currency          string          `json:"currency"`
	Description       string          `json:"description"`
	VerifierType      string          `json:"verifier_type"`
	Requirements      json.RawMessage `json:"requirements,omitempty"`
	VerifierParams    map[string]any  `json:"verifier_params,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	FundingTxHash     string          `json:"funding_tx_hash,omitempty"`
	SettlementTxHash  string          `json:"settlement_tx_hash,omitempty"`
	// PendingResolution is the resolve trigger that has claimed a DISPUTED
	// contract's funds. It is cleared when the resolution commits.
	PendingResolution Trigger         `json:"pending_resolution,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CheckInvariants reports a CorruptionError if the contract is in a state
// that no sequence of legal transitions can produce.
func (c Contract) CheckInvariants() error {
	if c.Version < 1 {
		return &CorruptionError{ContractID: c.ID, Detail: "version must be positive"}
	}
	return c.checkState()
}

func (c Contract) checkState() error {
	switch {
	case !c.Status.Valid():
		return &CorruptionError{ContractID: c.ID, Detail: "unknown status " + string(c.Status)}
	case c.RetryCount < 0 || c.RetryCount > c.MaxRetries:
		return &CorruptionError{ContractID: c.ID, Detail: "retry_count outside [0, max_retries]"}
	case c.Status.requiresWorker() && c.WorkerID == "":
		return &CorruptionError{ContractID: c.ID, Detail: "status " + string(c.Status) + " without worker"}
	case (c.Status == StatusCompleted) != (c.SettlementTxHash != ""):
		return &CorruptionError{ContractID: c.ID, Detail: "settlement_tx_hash must be present iff COMPLETED"}
	case c.PendingResolution != "" && (c.Status != StatusDisputed || !isResolution(c.PendingResolution)):
		return &CorruptionError{ContractID: c.ID, Detail: "pending_resolution outside DISPUTED"}
	}
	return nil
}

// Submission is an immutable piece of work submitted against a contract.
type Submission struct {
	ID          string    `json:"id"`
	ContractID  string    `json:"contract_id"`
	SubmittedBy string    `json:"submitted_by"`
	Payload     string    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// EventType names an audit journal entry.
type EventType string

const (
	EventContractCreated       EventType = "CONTRACT_CREATED"
	EventContractFunded        EventType = "CONTRACT_FUNDED"
	EventWorkerAssigned        EventType = "WORKER_ASSIGNED"
	EventWorkSubmitted         EventType = "WORK_SUBMITTED"
	EventVerificationStarted   EventType = "VERIFICATION_STARTED"
	EventVerificationPassed    EventType = "VERIFICATION_PASSED"
	EventVerificationFailed    EventType = "VERIFICATION_FAILED"
	EventMaxRetriesExceeded    EventType = "MAX_RETRIES_EXCEEDED"
	EventPaymentConfirmed      EventType = "PAYMENT_CONFIRMED"
	EventDisputeRaised         EventType = "DISPUTE_RAISED"
	EventDisputeSettling       EventType = "DISPUTE_SETTLEMENT_STARTED"
	EventDisputeResolvedWorker EventType = "DISPUTE_RESOLVED_WORKER"
	EventDisputeResolvedBuyer  EventType = "DISPUTE_RESOLVED_BUYER"
	EventContractExpired       EventType = "CONTRACT_EXPIRED"
)

// Event is an append-only journal entry. Sequence, PrevHash and Hash are
// assigned when the entry is sealed by the journal.
type Event struct {
	ID         string         `json:"id"`
	ContractID string         `json:"contract_id"`
	Sequence   uint64         `json:"sequence"`
	Type       EventType      `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Actor      string         `json:"actor"`
	Timestamp  time.Time      `json:"timestamp"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Hash       string         `json:"hash,omitempty"`
}

// SystemActor is recorded for transitions driven by the orchestrator.
const SystemActor = "SYSTEM"
