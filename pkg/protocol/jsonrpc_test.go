package protocol

import (
	"encoding/json"
	"testing"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/service"
)

func TestResponseSuccess(t *testing.T) {
	resp := NewResponse(1, map[string]any{"data": "hello"})

	if resp.JSONRPC != "2.0" {
		t.Error("JSONRPC should be 2.0")
	}
	if resp.Error != nil {
		t.Error("Error should be nil for success response")
	}
	if resp.ID != 1 {
		t.Errorf("ID = %v, want 1", resp.ID)
	}
}

func TestResponseError(t *testing.T) {
	resp := NewErrorResponse(2, CodeMethodNotFound, "method not found", nil)

	if resp.Error == nil {
		t.Fatal("Error should not be nil")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
	if resp.Error.Error() != "method not found" {
		t.Errorf("Message = %q", resp.Error.Message)
	}
}

func TestCreateParamsKeepKeyOutOfCommand(t *testing.T) {
	raw := `{"buyer_id":"b","amount":5,"description":"ten chars!","verifier_type":"mock","idempotency_key":"k-1"}`
	var p CreateParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.IdempotencyKey != "k-1" {
		t.Errorf("IdempotencyKey = %q", p.IdempotencyKey)
	}
	if p.CreateCommand.IdempotencyKey != "" {
		t.Errorf("embedded command should not decode the key, got %q", p.CreateCommand.IdempotencyKey)
	}
	if p.Amount != 5 || p.VerifierType != "mock" {
		t.Errorf("command fields not decoded: %+v", p.CreateCommand)
	}
}

func TestStatusResultWireNames(t *testing.T) {
	res := NewStatusResult(service.Status{
		Contract:        escrow.Contract{ID: "c-1", Status: escrow.StatusFunded, MaxRetries: 3},
		AllowedTriggers: escrow.AllowedTriggers(escrow.StatusFunded),
	})
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["status"] != "FUNDED" {
		t.Errorf("status = %v", decoded["status"])
	}
	events, ok := decoded["allowed_events"].([]any)
	if !ok || len(events) != 2 {
		t.Errorf("allowed_events = %v", decoded["allowed_events"])
	}
}

func TestErrorCodesDistinct(t *testing.T) {
	codes := []int{
		CodeInvalidTransition, CodePrecondition, CodeConcurrentModification,
		CodeUnsupportedVerifier, CodeVerifierInfra, CodeSchema, CodeVerdictParse,
		CodeIdempotencyConflict, CodeDuplicateOperation, CodeNotFound,
		CodeCorruption, CodeValidation,
	}

	seen := make(map[int]bool)
	for _, c := range codes {
		if c < -32021 || c > -32010 {
			t.Errorf("code %d outside the application range", c)
		}
		if seen[c] {
			t.Errorf("duplicate code: %d", c)
		}
		seen[c] = true
	}
}

func TestErrorResponseWithData(t *testing.T) {
	resp := NewErrorResponse(1, CodeValidation, "invalid amount", map[string]string{
		"field": "amount",
	})

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Error.Code != CodeValidation {
		t.Errorf("Code = %d", decoded.Error.Code)
	}
}
