package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlic/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}
}
