package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Backland-Labs/conductor/internal/config"
	"github.com/Backland-Labs/conductor/internal/server"
)

type serveFlags struct {
	port            int
	noWorkers       bool
	noMigrate       bool
	shutdownTimeout time.Duration
}

// newServeCommand creates the serve subcommand
func newServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API together with dispatch workers and the expiry sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = flags.port
			}
			return runServe(cmd.Context(), cfg, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Port to run the HTTP server on; defaults to CONDUCTOR_HTTP_PORT")
	cmd.Flags().BoolVar(&flags.noWorkers, "no-workers", false, "Serve the API only and leave dispatch to separate worker processes")
	cmd.Flags().BoolVar(&flags.noMigrate, "no-migrate", false, "Do not create missing tables on startup")
	cmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time given to running executions before they are aborted")
	return cmd
}

// newWorkerCommand creates the worker subcommand
func newWorkerCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run dispatch workers and the expiry sweep without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Transport == config.TransportMemory {
				return fmt.Errorf("worker requires CONDUCTOR_TRANSPORT=redis; use serve for a single process")
			}
			return runWorker(cmd.Context(), cfg, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.noMigrate, "no-migrate", false, "Do not create missing tables on startup")
	cmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time given to running executions before they are aborted")
	return cmd
}

// runServe starts the HTTP server and, unless disabled, the workers. It returns
// after ctx is cancelled and everything has shut down.
func runServe(ctx context.Context, cfg *config.Config, flags *serveFlags) error {
	a, err := newApp(ctx, cfg, buildOptions{migrate: !flags.noMigrate, workers: !flags.noWorkers})
	if err != nil {
		return err
	}
	defer a.Close()

	if !flags.noWorkers {
		if err := a.startWorkers(ctx); err != nil {
			return err
		}
		defer a.stopWorkers(flags.shutdownTimeout)
	}

	opts := []server.Option{server.WithLogger(a.log)}
	if cfg.Server.MetricsEnabled {
		opts = append(opts, server.WithMetrics(a.metrics))
	}
	srv := server.NewServer(cfg.Server.Port, a.orch, opts...)

	a.log.Infof("Starting conductor HTTP server on port %d", cfg.Server.Port)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// runWorker runs the workers until ctx is cancelled.
func runWorker(ctx context.Context, cfg *config.Config, flags *serveFlags) error {
	a, err := newApp(ctx, cfg, buildOptions{migrate: !flags.noMigrate, workers: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startWorkers(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("Received shutdown signal")
	a.stopWorkers(flags.shutdownTimeout)
	return nil
}

func (a *app) startWorkers(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return err
	}
	if err := a.sweeper.Start(ctx); err != nil {
		a.stopWorkers(0)
		return err
	}
	return nil
}

// stopWorkers drains the pool. Executions still running after timeout are
// aborted and recorded as failed.
func (a *app) stopWorkers(timeout time.Duration) {
	a.log.Info("Shutting down workers...")
	a.sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.pool.Stop(ctx); err != nil {
		a.log.WithError(err).Warn("Aborted running executions at shutdown")
	}
}
