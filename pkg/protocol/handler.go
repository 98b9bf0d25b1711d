package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// HandlerFunc processes a JSON-RPC request and returns a result or error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *Error)

// Handler routes JSON-RPC methods to registered handler functions.
type Handler struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandler creates an empty method handler.
func NewHandler() *Handler {
	return &Handler{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a handler for a method. Overwrites any existing handler.
func (h *Handler) Register(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = fn
}

// Handle processes a single JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version", nil)
	}

	h.mu.RLock()
	fn, ok := h.handlers[req.Method]
	h.mu.RUnlock()

	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	result, rpcErr := fn(ctx, req.Params)
	if rpcErr != nil {
		return Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   rpcErr,
		}
	}

	return NewResponse(req.ID, result)
}

// HandleRaw parses raw JSON bytes as a request, processes it, and returns a response.
func (h *Handler) HandleRaw(ctx context.Context, data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return NewErrorResponse(nil, CodeParseError, "parse error: "+err.Error(), nil)
	}
	return h.Handle(ctx, req)
}

// Methods returns all registered method names, sorted.
func (h *Handler) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	methods := make([]string, 0, len(h.handlers))
	for m := range h.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// maxLine bounds one request line; submissions can carry 100k characters.
const maxLine = 4 * 1024 * 1024

// Serve reads newline-delimited requests from r and writes one response per
// line to w until r is exhausted or ctx is done.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp := h.HandleRaw(ctx, []byte(line))
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if resp.Error != nil {
			logger.Debug("request failed", zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// ParseParams is a helper to unmarshal JSON-RPC params into a typed struct.
func ParseParams[T any](params json.RawMessage) (T, *Error) {
	var p T
	if len(params) == 0 || string(params) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, &Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return p, nil
}

// FromError maps an escrow error to its JSON-RPC error. Errors outside the
// escrow taxonomy become internal errors.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var (
		transition   *escrow.InvalidTransitionError
		precondition *escrow.PreconditionError
		concurrent   *escrow.ConcurrentModificationError
		unsupported  *escrow.UnsupportedVerifierTypeError
		infra        *escrow.VerifierInfraError
		schema       *escrow.SchemaError
		parse        *escrow.ParseError
		conflict     *escrow.ConflictError
		duplicate    *escrow.DuplicateOperationError
		validation   *escrow.ValidationError
		corruption   *escrow.CorruptionError
	)
	code := CodeInternalError
	var data any
	switch {
	case errors.As(err, &transition):
		code = CodeInvalidTransition
		data = map[string]any{"from": transition.From, "trigger": transition.Trigger}
	case errors.As(err, &precondition):
		code = CodePrecondition
	case errors.As(err, &concurrent):
		code = CodeConcurrentModification
	case errors.As(err, &unsupported):
		code = CodeUnsupportedVerifier
	case errors.As(err, &infra):
		code = CodeVerifierInfra
	case errors.As(err, &schema):
		code = CodeSchema
	case errors.As(err, &parse):
		code = CodeVerdictParse
	case errors.As(err, &conflict):
		code = CodeIdempotencyConflict
	case errors.As(err, &duplicate):
		code = CodeDuplicateOperation
		data = map[string]any{"result_ref": duplicate.ResultRef}
	case errors.Is(err, escrow.ErrNotFound):
		code = CodeNotFound
	case errors.As(err, &corruption):
		code = CodeCorruption
	case errors.As(err, &validation):
		code = CodeValidation
		data = map[string]any{"field": validation.Field}
	}
	return &Error{Code: code, Message: err.Error(), Data: data}
}
