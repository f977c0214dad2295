package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	pgstore "github.com/JakeFAU/scrape-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/sqlite"
)

func newMigrateCmd(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema for the configured backend",
		PreRunE: func(*cobra.Command, []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			db := ctx.cfg.Database
			switch db.Backend {
			case config.BackendPostgres:
				pool, err := pgstore.NewPool(cmd.Context(), pgstore.Config{DSN: db.DSN, MaxConns: 1})
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := pgstore.Migrate(cmd.Context(), pool); err != nil {
					return err
				}
			case config.BackendSQLite:
				store, err := sqlite.NewJobStore(db.SQLitePath)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Migrate(cmd.Context()); err != nil {
					return err
				}
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "database backend %q has no schema\n", db.Backend)
				return nil
			}
			ctx.logger.Info("schema applied", zap.String("backend", db.Backend))
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", db.Backend)
			return nil
		},
	}
}
