package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlic/internal/server"
	"github.com/JakeFAU/crawlic/internal/task"
)

// newTaskCmd builds a one-shot command that runs a single task in process and
// prints its final status as JSON.
func newTaskCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <url>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			var p task.Payload = task.Distill{URL: args[0]}
			if name == "emails" {
				p = task.FindEmails{URL: args[0]}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := server.RunOnce(ctx, e.cfg, e.logger, p, server.WithRegisterer(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return fmt.Errorf("write status: %w", err)
			}
			if st.State != task.StateSuccess {
				return fmt.Errorf("%s task failed: %s", p.Kind(), st.Error)
			}
			return nil
		},
	}
}
