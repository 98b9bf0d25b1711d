package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/config"
	"github.com/cgast/clearinghouse/internal/inspector"
	"github.com/cgast/clearinghouse/internal/judge"
	"github.com/cgast/clearinghouse/internal/metrics"
	"github.com/cgast/clearinghouse/internal/sandbox"
	"github.com/cgast/clearinghouse/pkg/events"
	"github.com/cgast/clearinghouse/pkg/idempotency"
	"github.com/cgast/clearinghouse/pkg/orchestrator"
	chttp "github.com/cgast/clearinghouse/pkg/platform/http"
	"github.com/cgast/clearinghouse/pkg/service"
	"github.com/cgast/clearinghouse/pkg/settlement"
	"github.com/cgast/clearinghouse/pkg/store"
	"github.com/cgast/clearinghouse/pkg/verify"
)

const sweepInterval = time.Minute

// app holds the wired components of a running clearinghouse.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   store.Store
	bus     *events.MemoryBus
	metrics *metrics.Metrics
	rail    *settlement.SimulatedRail
	guard   *idempotency.Guard
	svc     *service.Service

	closers []func(context.Context) error
}

// newApp opens the store and idempotency backend and builds the service.
// Background work started here stops when ctx is cancelled.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewMemoryBus(0),
		metrics: metrics.New(),
		rail:    settlement.NewSimulatedRail(logger),
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.onClose(func(context.Context) error { return st.Close() })

	guard, err := a.openGuard(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.guard = guard

	factory, err := a.buildFactory(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.svc = service.New(st, factory, a.rail,
		service.WithGuard(guard),
		service.WithPublisher(a.bus),
		service.WithMetrics(a.metrics),
		service.WithLogger(logger),
		service.WithAutoVerify(cfg.Verification.AutoVerify),
		service.WithDefaultMaxRetries(cfg.Verification.DefaultMaxRetries),
		service.WithOrchestratorOptions(orchestrator.WithTimeout(cfg.Verification.Timeout)),
	)

	logger.Info("clearinghouse ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("idempotency", cfg.Idempotency.Backend),
		zap.Strings("verifiers", factory.Types()),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "bolt":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		return store.NewBolt(cfg.Path)
	case "sqlite":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		return store.OpenSQL(ctx, store.DialectSQLite, cfg.Path)
	case "postgres":
		return store.OpenSQL(ctx, store.DialectPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func (a *app) openGuard(ctx context.Context) (*idempotency.Guard, error) {
	cfg := a.cfg.Idempotency
	opts := []idempotency.Option{idempotency.WithTTL(cfg.TTL), idempotency.WithLogger(a.logger)}

	switch cfg.Backend {
	case "redis":
		rs, err := idempotency.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return rs.Close() })
		return idempotency.NewGuard(rs, opts...), nil
	default:
		ms := idempotency.NewMemoryStore()
		go ms.RunSweeper(ctx, sweepInterval)
		return idempotency.NewGuard(ms, opts...), nil
	}
}

// buildFactory registers every verifier the config can support. Semantic
// needs a judge endpoint; code execution needs a sandbox backend.
func (a *app) buildFactory(ctx context.Context) (*verify.Factory, error) {
	cfg := a.cfg
	opts := []verify.FactoryOption{
		verify.WithStrategy(verify.TypeMock, verify.NewMockStrategy(cfg.Verification.MockPass)),
		verify.WithStrategy(verify.TypeSchema, verify.NewSchemaStrategy(a.logger)),
	}

	if cfg.Judge.Endpoint != "" {
		hc := chttp.NewClient(
			chttp.WithAllowedDomains(cfg.AllowedDomains...),
			chttp.WithRateLimit(cfg.Judge.RateLimit, cfg.Judge.Burst),
			chttp.WithHeader("Authorization", bearer(cfg.Judge.APIKey)),
			chttp.WithTimeout(cfg.Judge.Timeout),
		)
		j, err := judge.New(judge.Config{
			Endpoint:    cfg.Judge.Endpoint,
			APIKey:      cfg.Judge.APIKey,
			Model:       cfg.Judge.Model,
			Temperature: cfg.Judge.Temperature,
			MaxTokens:   cfg.Judge.MaxTokens,
		}, hc, a.logger)
		if err != nil {
			return nil, fmt.Errorf("semantic verifier: %w", err)
		}
		opts = append(opts, verify.WithStrategy(verify.TypeSemantic, verify.NewSemanticStrategy(j,
			verify.WithJudgeAttempts(cfg.Judge.Attempts),
			verify.WithSemanticLogger(a.logger),
		)))
	} else {
		a.logger.Warn("no judge endpoint configured; semantic verification disabled")
	}

	exec, err := a.buildExecutor(ctx)
	if err != nil {
		return nil, fmt.Errorf("code execution verifier: %w", err)
	}
	if exec != nil {
		opts = append(opts, verify.WithStrategy(verify.TypeCodeExecution, verify.NewCodeExecutionStrategy(exec,
			verify.WithExecTimeout(cfg.Sandbox.Timeout),
			verify.WithCodeExecLogger(a.logger),
		)))
	}

	return verify.NewFactory(opts...), nil
}

func (a *app) buildExecutor(ctx context.Context) (verify.Executor, error) {
	cfg := a.cfg.Sandbox
	limits, err := sandbox.ParseLimits(sandbox.Config{
		MaxCodeSize:      cfg.MaxCodeSize,
		MaxOutputSize:    cfg.MaxOutputSize,
		MemoryLimitPages: cfg.MemoryLimitPages,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "wasm":
		sb, err := sandbox.New(ctx, limits, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(sb.Close)
		return sb, nil
	case "remote":
		hc := chttp.NewClient(
			chttp.WithAllowedDomains(a.cfg.AllowedDomains...),
			chttp.WithHeader("Authorization", bearer(cfg.APIKey)),
			chttp.WithTimeout(cfg.Timeout),
		)
		return sandbox.NewRemote(cfg.Endpoint, cfg.Language, limits, hc, a.logger)
	default:
		a.logger.Warn("no sandbox configured; code execution verification disabled")
		return nil, nil
	}
}

// newInspector builds the inspector with health checks for the store and
// the idempotency backend.
func (a *app) newInspector() *inspector.Server {
	srv := inspector.New(a.bus, a.svc, a.metrics, a.logger)
	srv.AddHealthCheck("store", a.store)
	if a.guard != nil {
		srv.AddHealthCheck("idempotency", a.guard)
	}
	return srv
}

// startInspector serves the inspector in the background when enabled.
func (a *app) startInspector(ctx context.Context, port int) {
	srv := a.newInspector()
	go func() {
		if err := srv.Start(ctx, port); err != nil {
			a.logger.Error("inspector stopped", zap.Error(err))
		}
	}()
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func bearer(key string) string {
	if key == "" {
		return ""
	}
	return "Bearer " + key
}
