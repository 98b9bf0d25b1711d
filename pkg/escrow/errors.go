package escrow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by persistence collaborators.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// InvalidTransitionError is returned when a trigger is not legal from the
// contract's current status.
type InvalidTransitionError struct {
	From    Status
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from %s", e.Trigger, e.From)
}

// PreconditionError is returned when a command is legal for the status but a
// required input or state condition is missing.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// ConcurrentModificationError is returned when another writer committed a
// newer version first. The caller must retry the whole command.
type ConcurrentModificationError struct {
	ContractID      string
	ExpectedVersion int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("contract %s modified concurrently (expected version %d)", e.ContractID, e.ExpectedVersion)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrVersionConflict }

// UnsupportedVerifierTypeError is returned by the strategy factory.
type UnsupportedVerifierTypeError struct {
	Type string
}

func (e *UnsupportedVerifierTypeError) Error() string {
	return fmt.Sprintf("unsupported verifier type: %q", e.Type)
}

// VerifierInfraError wraps a failure of an external judge or sandbox.
type VerifierInfraError struct {
	Verifier string
	Err      error
}

func (e *VerifierInfraError) Error() string {
	return fmt.Sprintf("verifier %s: infrastructure failure: %v", e.Verifier, e.Err)
}

func (e *VerifierInfraError) Unwrap() error { return e.Err }

// SchemaError reports a malformed requirements document or payload.
type SchemaError struct {
	Detail string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema error: %s: %v", e.Detail, e.Err)
	}
	return "schema error: " + e.Detail
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ParseError reports a judge reply with no recognizable verdict.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable verdict: %q", truncate(e.Raw, 120))
}

// ConflictError is returned when an idempotency key is reused with a
// different payload.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different payload", e.Key)
}

// DuplicateOperationError is returned when an idempotency key is replayed
// with the same payload. ResultRef names the original result; it is empty
// while the first call is still in flight.
type DuplicateOperationError struct {
	Key       string
	ResultRef string
}

func (e *DuplicateOperationError) Error() string {
	if e.ResultRef == "" {
		return fmt.Sprintf("duplicate operation for key %q: still in progress", e.Key)
	}
	return fmt.Sprintf("duplicate operation for key %q: already completed as %s", e.Key, e.ResultRef)
}

// NotFoundError names the missing contract.
type NotFoundError struct {
	ContractID string
}

func (e *NotFoundError) Error() string {
	return "contract not found: " + e.ContractID
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a malformed command.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CorruptionError reports persisted state that violates a contract
// invariant. It is fatal for the affected contract.
type CorruptionError struct {
	ContractID string
	Detail     string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("contract %s corrupted: %s", e.ContractID, e.Detail)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
