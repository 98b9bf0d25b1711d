package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/pkg/verify"
)

// ErrOutputLimit is returned when a module writes more than the output
// limit.
var ErrOutputLimit = errors.New("sandbox: output limit exceeded")

// Sandbox runs WASI command modules in-process with wazero. The payload is
// a base64-encoded .wasm binary exporting _start. Modules get stdin,
// stdout and stderr only: no filesystem, network, environment or clock.
type Sandbox struct {
	runtime wazero.Runtime
	limits  Limits
	logger  *zap.Logger
}

// New creates a sandbox with the given limits.
func New(ctx context.Context, limits Limits, logger *zap.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(limits.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Sandbox{runtime: r, limits: limits, logger: logger.With(zap.String("component", "sandbox"))}, nil
}

// Execute runs one module. A module that fails to decode, compile or traps
// is reported as a non-zero exit, since that is the submitter's fault. A
// deadline yields verify.ErrExecTimeout.
func (s *Sandbox) Execute(ctx context.Context, req verify.ExecRequest) (verify.ExecResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Code))
	if err != nil {
		return verify.ExecResult{ExitCode: 1, Stderr: "payload is not base64-encoded wasm: " + err.Error()}, nil
	}
	if err := s.limits.CheckCodeSize(int64(len(bin))); err != nil {
		return verify.ExecResult{ExitCode: 1, Stderr: err.Error()}, nil
	}

	compiled, err := s.runtime.CompileModule(ctx, bin)
	if err != nil {
		if ctx.Err() != nil {
			return verify.ExecResult{}, fmt.Errorf("compile: %w", verify.ErrExecTimeout)
		}
		return verify.ExecResult{ExitCode: 1, Stderr: "compile: " + err.Error()}, nil
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	stdout := &limitedBuffer{limit: s.limits.MaxOutputSize}
	stderr := &limitedBuffer{limit: s.limits.MaxOutputSize}
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs("submission").
		WithStdin(strings.NewReader(req.Stdin)).
		WithStdout(stdout).
		WithStderr(stderr)

	start := time.Now()
	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	s.logger.Debug("module finished", zap.Duration("elapsed", time.Since(start)), zap.Error(err))

	if ctx.Err() != nil {
		return verify.ExecResult{}, fmt.Errorf("after %s: %w", time.Since(start).Round(time.Millisecond), verify.ErrExecTimeout)
	}
	if stdout.overflow || stderr.overflow {
		return verify.ExecResult{}, fmt.Errorf("%w (%s)", ErrOutputLimit, formatFileSize(s.limits.MaxOutputSize))
	}

	res := verify.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return verify.ExecResult{}, fmt.Errorf("closed by context: %w", verify.ErrExecTimeout)
		}
		res.ExitCode = int(exitErr.ExitCode())
		return res, nil
	}

	res.ExitCode = 1
	if res.Stderr != "" {
		res.Stderr += "\n"
	}
	res.Stderr += err.Error()
	return res, nil
}

// Close releases the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// limitedBuffer drops writes past limit and remembers that it did.
type limitedBuffer struct {
	bytes.Buffer
	limit    int64
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && int64(b.Len()+len(p)) > b.limit {
		b.overflow = true
		return 0, ErrOutputLimit
	}
	return b.Buffer.Write(p)
}
