// Package cmd defines and implements the CLI commands for the crawlic executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/config"
	"github.com/JakeFAU/crawlic/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs: the loaded config and a logger.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newLogger is a variable so tests can silence output.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlic",
		Short: "Headless-browser content distillation and contact discovery.",
		Long: `crawlic renders web pages in an isolated headless browser and turns
them into a minimal, semantic HTML fragment or a list of contact email
addresses. Work runs as retryable, time-bounded background tasks.`,
		SilenceUsage: true,

		// Loads config and logging before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLIC_* variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTaskCmd("distill", "Distill one page and print the result"))
	cmd.AddCommand(newTaskCmd("emails", "Find contact emails for one site and print them"))
	cmd.AddCommand(newReapCmd())

	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "crawlic:", err)
		os.Exit(1)
	}
}
