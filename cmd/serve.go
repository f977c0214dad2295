package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/server"
)

func newServeCmd(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the regional worker pools",
		PreRunE: func(*cobra.Command, []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer func() { _ = ctx.logger.Sync() }()
			app, err := server.Build(cmd.Context(), ctx.cfg, ctx.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				ctx.logger.Error("server exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}
