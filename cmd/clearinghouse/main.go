package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/config"
	"github.com/cgast/clearinghouse/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	StoreDrv   string
	StorePath  string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "clearinghouse",
	Short: "Escrow clearinghouse for agent work",
	Long: `clearinghouse holds a buyer's funds for a task and releases them to the
worker only when the submitted work passes verification.

Agents talk to it over JSON-RPC (agent) or MCP (mcp) on stdio. The inspector
serves a read-only HTTP view of contracts, journals and metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", filepath.Join(".clearinghouse", "config.yaml"), "config file")
	rootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&flags.StoreDrv, "store", "", "store driver: memory, bolt, sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&flags.StorePath, "store-path", "", "database file for bolt and sqlite")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.LogFormat = flags.LogFormat
	}
	if flags.StoreDrv != "" {
		cfg.Store.Driver = flags.StoreDrv
	}
	if flags.StorePath != "" {
		cfg.Store.Path = flags.StorePath
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("version", version)), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "clearinghouse", version)
	},
}
