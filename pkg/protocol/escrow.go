package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/service"
)

// RegisterEscrow registers the escrow methods backed by svc.
func RegisterEscrow(h *Handler, svc *service.Service) {
	h.Register(MethodCreate, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[CreateParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.CreateCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.Create(ctx, p.CreateCommand))
	})

	h.Register(MethodFund, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[FundParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.FundCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.Fund(ctx, p.FundCommand))
	})

	h.Register(MethodAccept, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[AcceptParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.AcceptCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.Accept(ctx, p.AcceptCommand))
	})

	h.Register(MethodSubmit, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[SubmitParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.SubmitCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.Submit(ctx, p.SubmitCommand))
	})

	h.Register(MethodVerify, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ContractParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return contractResult(svc.Verify(ctx, p.ContractID))
	})

	h.Register(MethodRecover, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ContractParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return contractResult(svc.RecoverVerification(ctx, p.ContractID))
	})

	h.Register(MethodRaiseDispute, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[RaiseDisputeParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.RaiseDisputeCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.RaiseDispute(ctx, p.RaiseDisputeCommand))
	})

	h.Register(MethodResolveDispute, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ResolveDisputeParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.ResolveDisputeCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.ResolveDispute(ctx, p.ResolveDisputeCommand))
	})

	h.Register(MethodExpire, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ExpireParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		p.ExpireCommand.IdempotencyKey = p.IdempotencyKey
		return contractResult(svc.Expire(ctx, p.ExpireCommand))
	})

	h.Register(MethodStatus, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ContractParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		st, err := svc.GetStatus(ctx, p.ContractID)
		if err != nil {
			return nil, FromError(err)
		}
		return NewStatusResult(st), nil
	})

	h.Register(MethodEvents, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ContractParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		evs, err := svc.ListEvents(ctx, p.ContractID)
		if err != nil {
			return nil, FromError(err)
		}
		return evs, nil
	})

	h.Register(MethodSubmissions, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		p, rpcErr := ParseParams[ContractParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		subs, err := svc.ListSubmissions(ctx, p.ContractID)
		if err != nil {
			return nil, FromError(err)
		}
		return subs, nil
	})

	h.Register(MethodMethodsList, func(context.Context, json.RawMessage) (any, *Error) {
		return h.Methods(), nil
	})
}

// contractResult turns a command's return values into a response. A
// duplicate carries the original result's current snapshot in its data.
func contractResult(c escrow.Contract, err error) (any, *Error) {
	if err == nil {
		return c, nil
	}
	rpcErr := FromError(err)
	var dup *escrow.DuplicateOperationError
	if errors.As(err, &dup) && c.ID != "" {
		rpcErr.Data = map[string]any{"result_ref": dup.ResultRef, "contract": c}
	}
	return nil, rpcErr
}
