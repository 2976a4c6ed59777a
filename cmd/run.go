package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rank-tracker/internal/scheduler"
)

// newRunCmd creates the 'run' subcommand: one synchronous cycle, then exit.
func newRunCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one tracking cycle and exits",
		Long: `Runs a single cycle for the chosen scope (all, place-rank, blog-rank
or ads), prints the cycle report as JSON, and exits. Any job that fails at
tenant level makes the command exit non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := scheduler.ParseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a App) error {
				report, err := a.RunOnce(ctx, parsed)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("%d of %d jobs failed", len(report.Failed), len(report.Jobs))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(scheduler.ScopeAll), "cycle scope: all, place-rank, blog-rank or ads")
	return cmd
}
