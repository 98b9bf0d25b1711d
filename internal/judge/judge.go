// Package judge calls an OpenAI-compatible chat completions endpoint to
// evaluate work for the semantic verifier.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	chttp "github.com/cgast/clearinghouse/pkg/platform/http"
)

// Config holds the judge endpoint settings.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Client is a verify.Judge backed by a chat completions API.
type Client struct {
	cfg    Config
	http   *chttp.Client
	logger *zap.Logger
}

// New creates a judge client. The HTTP client carries the allowlist and
// rate limit.
func New(cfg Config, hc *chttp.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("judge endpoint is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("judge model is required")
	}
	if hc == nil {
		hc = chttp.NewClient(chttp.WithHeader("Authorization", bearer(cfg.APIKey)))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: hc, logger: logger.With(zap.String("component", "judge"))}, nil
}

// Judge sends rubric as the system prompt and prompt as the user message,
// and returns the first choice's text.
func (c *Client) Judge(ctx context.Context, prompt, rubric string) (string, error) {
	req := completionRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: rubric},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	var resp completionResponse
	if err := c.http.PostJSON(ctx, c.cfg.Endpoint, req, &resp); err != nil {
		return "", fmt.Errorf("judge %s: %w", c.cfg.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("judge %s: no choices in response", c.cfg.Model)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("judge %s: empty response", c.cfg.Model)
	}
	c.logger.Debug("judge replied", zap.String("model", c.cfg.Model), zap.Int("chars", len(content)))
	return content, nil
}

func bearer(key string) string {
	if key == "" {
		return ""
	}
	return "Bearer " + key
}
