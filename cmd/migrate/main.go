package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"DarkLedger/internal/config"
	"DarkLedger/internal/observability"
	"DarkLedger/internal/persistence"
	"DarkLedger/internal/projection"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var flags = struct {
	dsn string
	dir string
}{}

func main() {
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the DarkLedger Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.dsn, "dsn", envOr(config.EnvPrefix+"_POSTGRES_DSN", defaults.PostgresDSN), "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&flags.dir, "dir", envOr(config.EnvPrefix+"_MIGRATIONS_DIR", defaults.MigrationsDir), "migrations directory")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, _ *sql.DB) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, _ *sql.DB) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, _ *sql.DB) error {
				v, err := m.Version(ctx)
				if err != nil {
					return err
				}
				if v == "" {
					v = "none"
				}
				fmt.Println(v)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rebuild-balances",
			Short: "Recompute the balance projection from the journal",
			RunE: withMigrator(func(ctx context.Context, _ *persistence.Migrator, db *sql.DB) error {
				return projection.RebuildBalances(ctx, db, observability.NewLogger("projection"))
			}),
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withMigrator(fn func(ctx context.Context, m *persistence.Migrator, db *sql.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		db, err := sql.Open("postgres", flags.dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
		return fn(ctx, persistence.NewMigrator(db, flags.dir, observability.NewLogger("migrate")), db)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
