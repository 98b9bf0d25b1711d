package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrExecTimeout is returned by executors when the code ran past its
// deadline.
var ErrExecTimeout = errors.New("execution timed out")

// ExecRequest is one sandboxed run.
type ExecRequest struct {
	Code    string
	Stdin   string
	Timeout time.Duration
}

// ExecResult is the observable outcome of a run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs untrusted code in isolation. The isolation boundary belongs
// entirely to the executor.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Match modes for expected_output.
const (
	MatchContains = "contains"
	MatchExact    = "exact"
	MatchRegex    = "regex"
)

const defaultExecTimeout = 10 * time.Second

// CodeExecutionStrategy runs the payload through an Executor and checks the
// exit code and, optionally, stdout.
type CodeExecutionStrategy struct {
	exec    Executor
	timeout time.Duration
	logger  *zap.Logger
}

// CodeExecOption configures a CodeExecutionStrategy.
type CodeExecOption func(*CodeExecutionStrategy)

// WithExecTimeout sets the default per-run timeout.
func WithExecTimeout(d time.Duration) CodeExecOption {
	return func(s *CodeExecutionStrategy) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCodeExecLogger sets the logger.
func WithCodeExecLogger(logger *zap.Logger) CodeExecOption {
	return func(s *CodeExecutionStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewCodeExecutionStrategy creates a strategy over exec.
func NewCodeExecutionStrategy(exec Executor, opts ...CodeExecOption) *CodeExecutionStrategy {
	s := &CodeExecutionStrategy{exec: exec, timeout: defaultExecTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("verifier", TypeCodeExecution))
	return s
}

func (s *CodeExecutionStrategy) Name() string { return TypeCodeExecution }

func (s *CodeExecutionStrategy) Evaluate(ctx context.Context, req Request) (Result, error) {
	if s.exec == nil {
		return Fail(ReasonSandboxFault, "no executor configured", nil), nil
	}

	timeout := s.timeout
	if d := ParamDuration(req.Params, "timeout"); d > 0 && d < timeout {
		timeout = d
	}
	expected := strings.TrimSpace(paramString(req.Params, "expected_output"))
	mode := paramString(req.Params, "match")
	if mode == "" {
		mode = MatchContains
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := s.exec.Execute(runCtx, ExecRequest{
		Code:    req.Payload,
		Stdin:   paramString(req.Params, "stdin"),
		Timeout: timeout,
	})
	elapsed := time.Since(start)

	details := map[string]any{
		"timeout_ms":  timeout.Milliseconds(),
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		if errors.Is(err, ErrExecTimeout) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("execution timed out", zap.String("contract_id", req.ContractID), zap.Duration("timeout", timeout))
			return Fail(ReasonTimeout, fmt.Sprintf("execution exceeded %s", timeout), details), nil
		}
		s.logger.Warn("sandbox fault", zap.String("contract_id", req.ContractID), zap.Error(err))
		return Fail(ReasonSandboxFault, err.Error(), details), nil
	}

	details["exit_code"] = out.ExitCode
	details["stdout"] = truncate(out.Stdout, 1000)
	details["stderr"] = truncate(out.Stderr, 1000)

	if out.ExitCode != 0 {
		return Fail(ReasonExecFailure, fmt.Sprintf("code exited with non-zero exit code: %d", out.ExitCode), details), nil
	}
	if expected == "" {
		return Pass(1, details), nil
	}

	details["expected_output"] = expected
	details["match"] = mode
	ok, msg := matchOutput(mode, strings.TrimSpace(out.Stdout), expected)
	if !ok {
		return Fail(ReasonNotSatisfied, msg, details), nil
	}
	return Pass(1, details), nil
}

// matchOutput compares stdout with the expected value under mode.
func matchOutput(mode, actual, expected string) (bool, string) {
	switch mode {
	case MatchExact:
		if actual != expected {
			return false, fmt.Sprintf("output %q does not equal %q", truncate(actual, 200), expected)
		}
	case MatchRegex:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Sprintf("invalid pattern %q: %v", expected, err)
		}
		if !re.MatchString(actual) {
			return false, fmt.Sprintf("output does not match regex %q", expected)
		}
	case MatchContains:
		if !strings.Contains(actual, expected) {
			return false, fmt.Sprintf("output does not contain %q", expected)
		}
	default:
		return false, fmt.Sprintf("unknown match mode %q", mode)
	}
	return true, ""
}
