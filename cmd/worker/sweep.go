package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/carpool/internal/app"
	"github.com/example/carpool/internal/expiry"
)

type sweepReport struct {
	Expiry    expiry.Result        `json:"expiry"`
	Cleanup   expiry.CleanupResult `json:"cleanup"`
	Delivered int                  `json:"delivered"`
}

// NewSweepCommand runs one expiry and cleanup pass, for cron-style deployments.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var skipCleanup bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single expiry and cleanup pass and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := app.Build(ctx, app.RoleWorker, cfg.Backends, cfg.Engine, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var rep sweepReport
			if rep.Expiry, err = a.Expiry.Sweep(ctx); err != nil {
				return fmt.Errorf("expiry sweep: %w", err)
			}
			if !skipCleanup {
				if rep.Cleanup, err = a.Cleanup.Sweep(ctx); err != nil {
					return fmt.Errorf("cleanup sweep: %w", err)
				}
			}
			rep.Delivered = a.Dispatcher.Drain(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}

	cmd.Flags().BoolVar(&skipCleanup, "skip-cleanup", false, "only expire confirmations")
	cmd.SilenceUsage = true

	return cmd
}
