package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/config"
	"github.com/cgast/clearinghouse/internal/mcpserver"
	"github.com/cgast/clearinghouse/pkg/protocol"
)

var inspectorFlags struct {
	Enabled bool
	Port    int
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve the escrow API as line-delimited JSON-RPC on stdin/stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			h := protocol.NewHandler()
			protocol.RegisterEscrow(h, a.svc)
			a.logger.Info("agent mode started", zap.Strings("methods", h.Methods()))
			return h.Serve(ctx, os.Stdin, os.Stdout, a.logger)
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the escrow tools over MCP on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			return mcpserver.New(a.svc, version, a.logger).Serve()
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{agentCmd, mcpCmd} {
		c.Flags().BoolVar(&inspectorFlags.Enabled, "inspector", false, "also serve the inspector")
		c.Flags().IntVar(&inspectorFlags.Port, "inspector-port", 0, "inspector port (implies --inspector)")
	}
}

// withApp loads config, wires the app, optionally starts the inspector and
// runs fn. Resources are released when fn returns.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	if port := inspectorPort(cfg); port > 0 {
		a.startInspector(ctx, port)
	}
	return fn(ctx, a)
}

// inspectorPort returns 0 when the inspector is disabled.
func inspectorPort(cfg config.Config) int {
	switch {
	case inspectorFlags.Port > 0:
		return inspectorFlags.Port
	case inspectorFlags.Enabled, cfg.Inspector.Enabled:
		if cfg.Inspector.Port > 0 {
			return cfg.Inspector.Port
		}
		return config.DefaultConfig().Inspector.Port
	default:
		return 0
	}
}
