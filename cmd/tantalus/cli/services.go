package cli

import (
	"context"
	"fmt"

	"github.com/mwantia/tantalus/internal/agent"
	config "github.com/mwantia/tantalus/internal/config/server"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/spf13/cobra"
)

// RunWithServices loads the configuration, opens the metadata store and
// builds the services for a one-shot command.
func RunWithServices(cmd *cobra.Command, fn func(ctx context.Context, services *agent.Services) error) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load server configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := log.NewLoggerService("tantalus", cfg.Log)
	services, err := agent.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	return fn(ctx, services)
}
