package protocol

import (
	"encoding/json"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/service"
)

// JSON-RPC 2.0 message types for agent mode communication.

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // string or int; nil for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application-specific error codes, one per escrow error type.
const (
	CodeInvalidTransition      = -32010
	CodePrecondition           = -32011
	CodeConcurrentModification = -32012
	CodeUnsupportedVerifier    = -32013
	CodeVerifierInfra          = -32014
	CodeSchema                 = -32015
	CodeVerdictParse           = -32016
	CodeIdempotencyConflict    = -32017
	CodeDuplicateOperation     = -32018
	CodeNotFound               = -32019
	CodeCorruption             = -32020
	CodeValidation             = -32021
)

// Method constants for all supported JSON-RPC methods.
const (
	// Contract lifecycle commands.
	MethodCreate         = "escrow.create"
	MethodFund           = "escrow.fund"
	MethodAccept         = "escrow.accept"
	MethodSubmit         = "escrow.submit"
	MethodVerify         = "escrow.verify"
	MethodRecover        = "escrow.recover"
	MethodRaiseDispute   = "escrow.raise_dispute"
	MethodResolveDispute = "escrow.resolve_dispute"
	MethodExpire         = "escrow.expire"

	// Queries.
	MethodStatus      = "escrow.status"
	MethodEvents      = "escrow.events"
	MethodSubmissions = "escrow.submissions"

	// Discovery.
	MethodMethodsList = "methods.list"
)

// NewResponse creates a successful response.
func NewResponse(id any, result any) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id any, code int, message string, data any) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// Parameter types. Command params reuse the service command structs and add
// the idempotency key, which the commands keep out of their fingerprint.

// CreateParams holds parameters for "escrow.create".
type CreateParams struct {
	service.CreateCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// FundParams holds parameters for "escrow.fund".
type FundParams struct {
	service.FundCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AcceptParams holds parameters for "escrow.accept".
type AcceptParams struct {
	service.AcceptCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubmitParams holds parameters for "escrow.submit".
type SubmitParams struct {
	service.SubmitCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RaiseDisputeParams holds parameters for "escrow.raise_dispute".
type RaiseDisputeParams struct {
	service.RaiseDisputeCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ResolveDisputeParams holds parameters for "escrow.resolve_dispute".
type ResolveDisputeParams struct {
	service.ResolveDisputeCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ExpireParams holds parameters for "escrow.expire".
type ExpireParams struct {
	service.ExpireCommand
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ContractParams holds parameters for queries and "escrow.verify".
type ContractParams struct {
	ContractID string `json:"contract_id"`
}

// StatusResult is the "escrow.status" response.
type StatusResult struct {
	ContractID      string           `json:"contract_id"`
	Status          escrow.Status    `json:"status"`
	RetryCount      int              `json:"retry_count"`
	MaxRetries      int              `json:"max_retries"`
	AllowedTriggers []escrow.Trigger `json:"allowed_events"`
	Contract        escrow.Contract  `json:"contract"`
}

// NewStatusResult flattens a service status for the wire.
func NewStatusResult(st service.Status) StatusResult {
	return StatusResult{
		ContractID:      st.Contract.ID,
		Status:          st.Contract.Status,
		RetryCount:      st.Contract.RetryCount,
		MaxRetries:      st.Contract.MaxRetries,
		AllowedTriggers: st.AllowedTriggers,
		Contract:        st.Contract,
	}
}
