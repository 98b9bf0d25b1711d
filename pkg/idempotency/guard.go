// Package idempotency dedupes repeated commands by caller-supplied key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

// Status is the outcome of a reservation attempt.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusDuplicate Status = "DUPLICATE"
	StatusConflict  Status = "CONFLICT"
)

// Outcome is returned by CheckAndReserve. ResultRef is set for a duplicate
// whose first occurrence has completed.
type Outcome struct {
	Status    Status
	ResultRef string
}

// Record is the stored state of one key.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	ResultRef   string    `json:"result_ref,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store is the backing store. Reserve must be a single indivisible
// operation: of any number of concurrent callers with the same key, exactly
// one observes reserved == true.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (existing Record, reserved bool, err error)
	Complete(ctx context.Context, key, resultRef string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// Guard classifies commands as new, duplicate or conflicting.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets the record lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard creates a guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "idempotency"))
	return g
}

// CheckAndReserve atomically reserves key for fingerprint, or reports why
// it cannot.
func (g *Guard) CheckAndReserve(ctx context.Context, key, fingerprint string) (Outcome, error) {
	rec, reserved, err := g.store.Reserve(ctx, key, fingerprint, g.ttl)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return Outcome{Status: StatusNew}, nil
	}
	if rec.Fingerprint != fingerprint {
		g.logger.Warn("idempotency key reused with different payload", zap.String("key", key))
		return Outcome{Status: StatusConflict}, nil
	}
	g.logger.Debug("duplicate command", zap.String("key", key), zap.String("result_ref", rec.ResultRef))
	return Outcome{Status: StatusDuplicate, ResultRef: rec.ResultRef}, nil
}

// Complete records the result of the command that reserved key.
func (g *Guard) Complete(ctx context.Context, key, resultRef string) error {
	if err := g.store.Complete(ctx, key, resultRef, g.ttl); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release forgets a reservation whose command failed so it can be retried.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.Release(ctx, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Ping reports whether the backing store is reachable.
func (g *Guard) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Fingerprint hashes an operation name and its parameters. Parameters are
// normalized to RFC 8785 canonical JSON, so field order and whitespace do
// not affect the result.
func Fingerprint(op string, params any) (string, error) {
	raw, err := json.Marshal(struct {
		Op     string `json:"op"`
		Params any    `json:"params"`
	}{op, params})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
