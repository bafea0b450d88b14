package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCommand creates the migrate subcommand
func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the run store tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			defer s.Close()

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s store\n", cfg.Database.Driver)
			return err
		},
	}
}

// newSweepCommand creates the sweep subcommand
func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue runs once and exit",
		Long: `Expire overdue runs once and exit.

Every run past its expiry deadline that has not reached a terminal status is
moved to expired and its subscribers are notified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, buildOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			expired, err := a.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Expired %d runs\n", len(expired))
			return err
		},
	}
}
