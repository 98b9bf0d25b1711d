package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/idempotency"
	"github.com/cgast/clearinghouse/pkg/service"
	"github.com/cgast/clearinghouse/pkg/settlement"
	"github.com/cgast/clearinghouse/pkg/store"
	"github.com/cgast/clearinghouse/pkg/verify"
)

func newEscrowHandler(t *testing.T) *Handler {
	t.Helper()
	factory := verify.NewFactory(verify.WithStrategy(verify.TypeMock, verify.NewMockStrategy(true)))
	svc := service.New(store.NewMemory(), factory, settlement.NewSimulatedRail(nil),
		service.WithGuard(idempotency.NewGuard(idempotency.NewMemoryStore())))
	h := NewHandler()
	RegisterEscrow(h, svc)
	return h
}

func call(t *testing.T, h *Handler, method, params string, out any) *Error {
	t.Helper()
	raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":%s}`, method, params)
	resp := h.HandleRaw(context.Background(), []byte(raw))
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		data, err := json.Marshal(resp.Result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
	}
	return nil
}

func TestEscrowMethodsLifecycle(t *testing.T) {
	h := newEscrowHandler(t)

	var c escrow.Contract
	if err := call(t, h, MethodCreate, `{"buyer_id":"buyer","amount":2500,"description":"Write a haiku about escrow","verifier_type":"mock","idempotency_key":"create-1"}`, &c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != escrow.StatusCreated {
		t.Fatalf("status = %s", c.Status)
	}

	steps := []struct {
		method string
		params string
		want   escrow.Status
	}{
		{MethodFund, `{"contract_id":%q,"tx_hash":"0xfund"}`, escrow.StatusFunded},
		{MethodAccept, `{"contract_id":%q,"worker_id":"worker"}`, escrow.StatusInProgress},
		{MethodSubmit, `{"contract_id":%q,"payload":"an old silent pond"}`, escrow.StatusCompleted},
	}
	for _, s := range steps {
		if err := call(t, h, s.method, fmt.Sprintf(s.params, c.ID), &c); err != nil {
			t.Fatalf("%s: %v", s.method, err)
		}
		if c.Status != s.want {
			t.Fatalf("%s: status = %s, want %s", s.method, c.Status, s.want)
		}
	}
	if c.SettlementTxHash == "" {
		t.Error("completed contract should carry a settlement hash")
	}

	var st StatusResult
	if err := call(t, h, MethodStatus, fmt.Sprintf(`{"contract_id":%q}`, c.ID), &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.AllowedTriggers) != 0 {
		t.Errorf("allowed triggers on COMPLETED = %v", st.AllowedTriggers)
	}

	var evs []escrow.Event
	if err := call(t, h, MethodEvents, fmt.Sprintf(`{"contract_id":%q}`, c.ID), &evs); err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 7 {
		t.Errorf("events = %d, want 7", len(evs))
	}

	var subs []escrow.Submission
	if err := call(t, h, MethodSubmissions, fmt.Sprintf(`{"contract_id":%q}`, c.ID), &subs); err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("submissions = %d, want 1", len(subs))
	}
}

func TestEscrowMethodErrors(t *testing.T) {
	h := newEscrowHandler(t)

	create := `{"buyer_id":"buyer","amount":2500,"description":"Write a haiku about escrow","verifier_type":"mock","idempotency_key":"k"}`
	if err := call(t, h, MethodCreate, create, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := call(t, h, MethodCreate, create, nil)
	if err == nil || err.Code != CodeDuplicateOperation {
		t.Fatalf("replay: got %v, want duplicate", err)
	}
	data, ok := err.Data.(map[string]any)
	if !ok || data["contract"] == nil {
		t.Errorf("duplicate should carry the original contract, got %v", err.Data)
	}

	changed := `{"buyer_id":"buyer","amount":9999,"description":"Write a haiku about escrow","verifier_type":"mock","idempotency_key":"k"}`
	if err := call(t, h, MethodCreate, changed, nil); err == nil || err.Code != CodeIdempotencyConflict {
		t.Errorf("changed replay: got %v, want conflict", err)
	}

	if err := call(t, h, MethodCreate, `{"buyer_id":"buyer","amount":0,"description":"Write a haiku about escrow","verifier_type":"mock"}`, nil); err == nil || err.Code != CodeValidation {
		t.Errorf("zero amount: got %v, want validation", err)
	}
	if err := call(t, h, MethodStatus, `{"contract_id":"missing"}`, nil); err == nil || err.Code != CodeNotFound {
		t.Errorf("missing contract: got %v, want not found", err)
	}
	if err := call(t, h, MethodFund, `"nope"`, nil); err == nil || err.Code != CodeInvalidParams {
		t.Errorf("bad params: got %v, want invalid params", err)
	}
}

func TestEscrowRecoverRequiresVerifying(t *testing.T) {
	h := newEscrowHandler(t)

	var c escrow.Contract
	if err := call(t, h, MethodCreate, `{"buyer_id":"buyer","amount":2500,"description":"Write a haiku about escrow","verifier_type":"mock"}`, &c); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := call(t, h, MethodRecover, fmt.Sprintf(`{"contract_id":%q}`, c.ID), nil)
	if err == nil || err.Code != CodePrecondition {
		t.Errorf("recover on CREATED: got %v, want precondition", err)
	}
	if err := call(t, h, MethodRecover, `{"contract_id":"missing"}`, nil); err == nil || err.Code != CodeNotFound {
		t.Errorf("recover on missing contract: got %v, want not found", err)
	}
}
