// Package http is the outbound HTTP client shared by the external
// verification collaborators. Every request is checked against a domain
// allowlist and paced by a rate limiter.
package http

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBody caps the bytes read from a response.
const DefaultMaxBody = 10 * 1024 * 1024

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.Code, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client posts JSON to allowlisted hosts.
type Client struct {
	allowedDomains []string
	httpClient     *http.Client
	limiter        *rate.Limiter
	headers        map[string]string
	maxBody        int64
}

// Option configures a Client.
type Option func(*Client)

// WithAllowedDomains restricts requests to the given hostnames. An empty
// list permits all hosts.
func WithAllowedDomains(domains ...string) Option {
	return func(c *Client) { c.allowedDomains = domains }
}

// WithRateLimit allows rps requests per second with the given burst. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if value != "" {
			c.headers[key] = value
		}
	}
}

// WithTimeout sets the transport-level timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		headers:    make(map[string]string),
		maxBody:    DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON marshals in, posts it to rawURL and decodes the response into out
// (when out is non-nil).
func (c *Client) PostJSON(ctx gocontext.Context, rawURL string, in, out any) error {
	if err := checkAllowedDomain(rawURL, c.allowedDomains); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: rawURL, Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkAllowedDomain verifies the URL's host is in the allowlist.
func checkAllowedDomain(rawURL string, allowedDomains []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	if len(allowedDomains) == 0 {
		return nil
	}

	host := parsed.Hostname()
	for _, d := range allowedDomains {
		if host == d {
			return nil
		}
	}
	return fmt.Errorf("domain %q is not in the allowed list", host)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
