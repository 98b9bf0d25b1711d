package main

import (
	"context"

	"github.com/spf13/cobra"
)

var inspectPort int

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Serve the read-only inspector over HTTP",
	Long: `inspect serves contract state, journals and metrics from the configured
store. The live event stream only carries events committed by this process.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			port := inspectPort
			if port <= 0 {
				port = a.cfg.Inspector.Port
			}
			return a.newInspector().Start(ctx, port)
		})
	},
}

func init() {
	inspectCmd.Flags().IntVar(&inspectPort, "port", 0, "listen port (default from config)")
}
