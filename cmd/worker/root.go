package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/logging"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	LogLevel string
	EnvFiles []string
}

// NewRootCommand creates the worker CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Carpool background worker",
		Long:  "Runs confirmation expiry, record cleanup, event-driven matching and notification delivery.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.EnvFiles...)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides LOG_LEVEL")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load before reading the environment")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// loadConfig reads the environment and builds the logger the flags ask for.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (config.WorkerConfig, *slog.Logger, error) {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return cfg, nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	return cfg, logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel), nil
}
