// Package mcpserver exposes the escrow commands as MCP tools so agents can
// open, fund, work on and settle contracts over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/protocol"
	"github.com/cgast/clearinghouse/pkg/service"
)

const serverName = "Clearinghouse Escrow"

// Server hosts the MCP server.
type Server struct {
	mcpServer *server.MCPServer
	svc       *service.Service
	logger    *zap.Logger
}

// New creates an MCP server whose tools call svc.
func New(svc *service.Service, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(serverName, version, server.WithToolCapabilities(true)),
		svc:       svc,
		logger:    logger.With(zap.String("component", "mcp")),
	}
	for _, t := range s.tools() {
		s.mcpServer.AddTool(t.Tool, t.Handler)
	}
	return s
}

// Serve runs the server on stdio until stdin closes.
func (s *Server) Serve() error {
	if s == nil || s.mcpServer == nil {
		return errors.New("MCP server is not configured")
	}
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func (s *Server) tools() []server.ServerTool {
	contractID := mcp.WithString("contract_id", mcp.Required(), mcp.Description("ID of the escrow contract"))
	idempotencyKey := mcp.WithString("idempotency_key", mcp.Description("Optional key; replays with the same arguments return the original result"))

	return []server.ServerTool{
		{
			Tool: mcp.NewTool("create_escrow",
				mcp.WithDescription("Create an escrow contract. Funds are released only when the submitted work passes verification."),
				mcp.WithString("buyer_id", mcp.Required(), mcp.Description("Identity (wallet) of the buyer")),
				mcp.WithNumber("amount", mcp.Required(), mcp.Description("Amount in minor units, e.g. 1000000 for 1 USDC")),
				mcp.WithString("currency", mcp.Description("Currency code, USDC by default")),
				mcp.WithString("description", mcp.Required(), mcp.Description("Task description, 10 to 5000 characters")),
				mcp.WithString("verifier_type", mcp.Required(), mcp.Description("schema, semantic, code_execution or mock")),
				mcp.WithObject("requirements", mcp.Description("JSON Schema or field-to-type map the output must satisfy")),
				mcp.WithObject("verifier_params", mcp.Description("Verifier settings such as criteria, expected_output or timeout")),
				mcp.WithNumber("max_retries", mcp.Description("Verification attempts before the contract fails, 1 to 10")),
				idempotencyKey,
			),
			Handler: s.createEscrow,
		},
		{
			Tool: mcp.NewTool("fund_escrow",
				mcp.WithDescription("Record the buyer's confirmed deposit"),
				contractID,
				mcp.WithString("tx_hash", mcp.Required(), mcp.Description("Funding transaction hash")),
				idempotencyKey,
			),
			Handler: s.fundEscrow,
		},
		{
			Tool: mcp.NewTool("accept_contract",
				mcp.WithDescription("Accept a funded contract as its worker"),
				contractID,
				mcp.WithString("worker_id", mcp.Required(), mcp.Description("Identity (wallet) of the worker")),
				idempotencyKey,
			),
			Handler: s.acceptContract,
		},
		{
			Tool: mcp.NewTool("submit_work",
				mcp.WithDescription("Submit work for verification. Returns the contract after the verdict."),
				contractID,
				mcp.WithString("payload", mcp.Required(), mcp.Description("The work: code, JSON or text")),
				mcp.WithString("worker_id", mcp.Description("Defaults to the assigned worker")),
				idempotencyKey,
			),
			Handler: s.submitWork,
		},
		{
			Tool: mcp.NewTool("raise_dispute",
				mcp.WithDescription("Raise a dispute on a funded or in-progress contract"),
				contractID,
				mcp.WithString("raised_by", mcp.Required(), mcp.Description("Identity raising the dispute")),
				mcp.WithString("reason", mcp.Required(), mcp.Description("Reason, 10 to 2000 characters")),
				idempotencyKey,
			),
			Handler: s.raiseDispute,
		},
		{
			Tool: mcp.NewTool("resolve_dispute",
				mcp.WithDescription("Resolve a dispute: pay the worker or refund the buyer"),
				contractID,
				mcp.WithString("resolution", mcp.Required(), mcp.Enum("worker", "buyer"), mcp.Description("Winning party")),
				mcp.WithString("note", mcp.Description("Arbiter note")),
				idempotencyKey,
			),
			Handler: s.resolveDispute,
		},
		{
			Tool: mcp.NewTool("get_status",
				mcp.WithDescription("Get a contract's status, retry count and allowed events"),
				contractID,
			),
			Handler: s.getStatus,
		},
		{
			Tool: mcp.NewTool("list_events",
				mcp.WithDescription("List a contract's audit journal"),
				contractID,
			),
			Handler: s.listEvents,
		},
	}
}

func (s *Server) createEscrow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	buyer, err := request.RequireString("buyer_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	verifier, err := request.RequireString("verifier_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	amount, err := request.RequireFloat("amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if amount != math.Trunc(amount) {
		return mcp.NewToolResultError("amount must be a whole number of minor units"), nil
	}

	cmd := service.CreateCommand{
		IdempotencyKey: request.GetString("idempotency_key", ""),
		BuyerID:        buyer,
		Amount:         int64(amount),
		Currency:       request.GetString("currency", ""),
		Description:    description,
		VerifierType:   verifier,
		MaxRetries:     request.GetInt("max_retries", 0),
	}
	if params, ok := args["verifier_params"].(map[string]any); ok {
		cmd.VerifierParams = params
	}
	if req, ok := args["requirements"]; ok && req != nil {
		raw, err := json.Marshal(req)
		if err != nil {
			return mcp.NewToolResultError("requirements: " + err.Error()), nil
		}
		cmd.Requirements = raw
	}
	return s.contractResult(s.svc.Create(ctx, cmd))
}

func (s *Server) fundEscrow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tx, err := request.RequireString("tx_hash")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.contractResult(s.svc.Fund(ctx, service.FundCommand{
		IdempotencyKey: request.GetString("idempotency_key", ""),
		ContractID:     id,
		TxHash:         tx,
	}))
}

func (s *Server) acceptContract(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.contractResult(s.svc.Accept(ctx, service.AcceptCommand{
		IdempotencyKey: request.GetString("idempotency_key", ""),
		ContractID:     id,
		WorkerID:       worker,
	}))
}

func (s *Server) submitWork(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := request.RequireString("payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.contractResult(s.svc.Submit(ctx, service.SubmitCommand{
		IdempotencyKey: request.GetString("idempotency_key", ""),
		ContractID:     id,
		WorkerID:       request.GetString("worker_id", ""),
		Payload:        payload,
	}))
}

func (s *Server) raiseDispute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	by, err := request.RequireString("raised_by")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.contractResult(s.svc.RaiseDispute(ctx, service.RaiseDisputeCommand{
		IdempotencyKey: request.GetString("idempotency_key", ""),
		ContractID:     id,
		RaisedBy:       by,
		Reason:         reason,
	}))
}

func (s *Server) resolveDispute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resolution, err := request.RequireString("resolution")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.contractResult(s.svc.ResolveDispute(ctx, service.ResolveDisputeCommand{
		IdempotencyKey: request.GetString("idempotency_key", ""),
		ContractID:     id,
		Resolution:     service.Resolution(resolution),
		Note:           request.GetString("note", ""),
	}))
}

func (s *Server) getStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.svc.GetStatus(ctx, id)
	if err != nil {
		return s.errorResult(err), nil
	}
	return jsonResult(protocol.NewStatusResult(st))
}

func (s *Server) listEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contract_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	evs, err := s.svc.ListEvents(ctx, id)
	if err != nil {
		return s.errorResult(err), nil
	}
	return jsonResult(evs)
}

// contractResult renders a command outcome. A replayed command is not an
// error for the agent: it gets the original contract, flagged as a
// duplicate.
func (s *Server) contractResult(c escrow.Contract, err error) (*mcp.CallToolResult, error) {
	var dup *escrow.DuplicateOperationError
	switch {
	case err == nil:
		return jsonResult(c)
	case errors.As(err, &dup) && c.ID != "":
		return jsonResult(map[string]any{"duplicate": true, "contract": c})
	default:
		return s.errorResult(err), nil
	}
}

func (s *Server) errorResult(err error) *mcp.CallToolResult {
	rpcErr := protocol.FromError(err)
	if rpcErr.Code == protocol.CodeInternalError {
		s.logger.Error("tool failed", zap.Error(err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("[%d] %s", rpcErr.Code, rpcErr.Message))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
