package server

import (
	"context"
	"fmt"

	"github.com/mwantia/tantalus/internal/agent"
	"github.com/spf13/cobra"

	config "github.com/mwantia/tantalus/internal/config/server"
)

func NewAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the Tantalus transfer agent",
		Long: `Start the Tantalus transfer agent.

The agent runs one worker set per destination queue, relays queued
transfers from the metadata store and requeues pending transfers on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server configuration: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			return agent.NewAgent(cfg).Serve(ctx)
		},
	}

	return cmd
}
