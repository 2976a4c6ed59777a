package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand: the daily scheduler plus the
// HTTP surface, until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler and the HTTP API",
		Long: `Starts the daily tracking scheduler and the operational HTTP surface
(job queries, manual runs, system log, WebSocket event stream, metrics) and
blocks until the process is signalled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a App) error {
				if err := a.Run(ctx); err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
}
