// Command migrate applies the embedded billing schema migrations.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"manabilling/internal/config"
	"manabilling/internal/db"
	"manabilling/internal/logging"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logging.Init(cfg.LogLevel, "console")

	if err := newRootCmd(cfg.DatabaseURL).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(defaultURL string) *cobra.Command {
	var databaseURL string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the billing database schema",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", defaultURL, "Postgres connection URL (defaults to DATABASE_URL)")

	withMigrator := func(fn func(m *migrate.Migrate) error) error {
		m, err := db.NewMigrator(databaseURL)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withMigrator(func(m *migrate.Migrate) error { return m.Up() }); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (one step by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			if err := withMigrator(func(m *migrate.Migrate) error { return m.Steps(-steps) }); err != nil {
				return err
			}
			log.Info().Int("steps", steps).Msg("migrations rolled back")
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	root.AddCommand(down)

	root.AddCommand(&cobra.Command{
		Use:   "goto VERSION",
		Short: "Migrate up or down to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withMigrator(func(m *migrate.Migrate) error { return m.Migrate(uint(version)) })
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			})
		},
	})

	return root
}
