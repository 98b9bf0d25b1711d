package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	chttp "github.com/cgast/clearinghouse/pkg/platform/http"
	"github.com/cgast/clearinghouse/pkg/verify"
)

type remoteRequest struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	Stdin     string `json:"stdin,omitempty"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type remoteResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// Remote executes code on a sandbox service over HTTP. The service owns the
// isolation boundary; Remote only marshals the request and reply.
type Remote struct {
	endpoint string
	language string
	limits   Limits
	client   *chttp.Client
	logger   *zap.Logger
}

// NewRemote creates a remote executor posting to endpoint + "/execute".
func NewRemote(endpoint, language string, limits Limits, client *chttp.Client, logger *zap.Logger) (*Remote, error) {
	if endpoint == "" {
		return nil, errors.New("sandbox endpoint is required")
	}
	if language == "" {
		language = "python"
	}
	if client == nil {
		client = chttp.NewClient()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		endpoint: strings.TrimSuffix(endpoint, "/") + "/execute",
		language: language,
		limits:   limits,
		client:   client,
		logger:   logger.With(zap.String("component", "sandbox-remote")),
	}, nil
}

func (r *Remote) Execute(ctx context.Context, req verify.ExecRequest) (verify.ExecResult, error) {
	if err := r.limits.CheckCodeSize(int64(len(req.Code))); err != nil {
		return verify.ExecResult{ExitCode: 1, Stderr: err.Error()}, nil
	}

	var resp remoteResponse
	err := r.client.PostJSON(ctx, r.endpoint, remoteRequest{
		Language:  r.language,
		Code:      req.Code,
		Stdin:     req.Stdin,
		TimeoutMS: req.Timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return verify.ExecResult{}, fmt.Errorf("remote sandbox: %w", verify.ErrExecTimeout)
		}
		return verify.ExecResult{}, fmt.Errorf("remote sandbox: %w", err)
	}
	if resp.TimedOut {
		return verify.ExecResult{}, fmt.Errorf("remote sandbox: %w", verify.ErrExecTimeout)
	}
	if resp.Error != "" {
		return verify.ExecResult{}, fmt.Errorf("remote sandbox: %s", resp.Error)
	}
	if r.limits.MaxOutputSize > 0 && int64(len(resp.Stdout)+len(resp.Stderr)) > r.limits.MaxOutputSize {
		return verify.ExecResult{}, fmt.Errorf("%w (%s)", ErrOutputLimit, formatFileSize(r.limits.MaxOutputSize))
	}

	r.logger.Debug("remote execution finished", zap.Int("exit_code", resp.ExitCode))
	return verify.ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}
