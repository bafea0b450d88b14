// Package cli implements the conductor command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Backland-Labs/conductor/internal/config"
	"github.com/Backland-Labs/conductor/internal/logger"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

type rootFlags struct {
	logLevel  string
	logFormat string
}

// Execute runs the CLI
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - run execution orchestrator for AI agents",
		Long: `Conductor - run execution orchestrator for AI agents

Conductor accepts agent runs over HTTP, dispatches them to a pool of workers,
streams their progress as server-sent events and suspends them while they
wait for tool outputs supplied by the caller.

Examples:
  conductor serve                     # API, workers and expiry sweep in one process
  conductor worker                    # workers and expiry sweep only
  conductor migrate                   # create the database schema
  conductor sweep                     # expire overdue runs once`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Initialize(flags.logLevel, flags.logFormat); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to CONDUCTOR_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (console, json); defaults to CONDUCTOR_LOG_FORMAT")

	cmd.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newSweepCommand(),
		newMigrateCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "conductor version "+Version)
			return err
		},
	}
}

// loadConfig loads the configuration, wrapping errors for the command line.
func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
