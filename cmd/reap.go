package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/supervisor"
)

type processSweeper interface {
	TerminateAll(ctx context.Context, keep ...int) int
}

// newSweeper is a variable so tests never touch real processes.
var newSweeper = func(cfg supervisor.Config, logger *zap.Logger) processSweeper {
	return supervisor.New(cfg, logger)
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Terminate orphaned browser processes",
		Long: `reap kills every browser process matching supervisor.process_names.
With supervisor.scope=descendants only children of this command are touched,
so run it with scope=host to clean up after a crashed server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			s := newSweeper(supervisor.Config{
				Scope: supervisor.Scope(e.cfg.Supervisor.Scope),
				Names: e.cfg.Supervisor.ProcessNames,
			}, e.logger.Named("supervisor"))
			n := s.TerminateAll(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "terminated %d browser processes\n", n)
			return nil
		},
	}
}
