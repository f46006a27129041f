package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/mwantia/tantalus/cmd/tantalus/cli"
	"github.com/mwantia/tantalus/internal/agent"
	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/deploy"
	"github.com/mwantia/tantalus/pkg/errdefs"
	"github.com/spf13/cobra"
)

func NewDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy datasets onto a storage",
	}

	cmd.AddCommand(NewDeployCreateCommand())
	cmd.AddCommand(NewDeployStatusCommand())

	return cmd
}

func NewDeployCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <storage> <datasets...>",
		Short: "Plan and enqueue the transfers for a deployment",
		Long: `Plan the transfers needed to place every file of the datasets onto the
storage and enqueue them for a running agent. Nothing is created when the
storage already holds verified copies of every file.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				deployment, err := services.Orchestrator.CreateDeployment(ctx, args[1:], args[0])
				if errors.Is(err, errdefs.ErrDeploymentUnnecessary) {
					fmt.Fprintf(cmd.OutOrStdout(), "Storage '%s' already holds every file, nothing to deploy\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Created deployment %d with %d transfers\n",
					deployment.ID, len(deployment.FileTransfers))
				return nil
			})
		},
	}

	return cmd
}

func NewDeployStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				deployment, status, err := services.Orchestrator.Status(ctx, id)
				if err != nil {
					return fmt.Errorf("unknown deployment %d: %w", id, err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Deployment %d to '%s'\n", deployment.ID, deployment.ToStorage.Name)
				fmt.Fprintf(out, "Status:    %s\n", describe(status))
				fmt.Fprintf(out, "Transfers: %d queued, %d running, %d finished, %d failed\n\n",
					status.Counts[models.TransferQueued], status.Counts[models.TransferRunning],
					status.Counts[models.TransferFinished], status.Counts[models.TransferFailed])

				return printTransfers(out, deployment.FileTransfers)
			})
		},
	}

	return cmd
}

func describe(status deploy.Status) string {
	switch {
	case status.Running:
		return "running"
	case status.Finished:
		return "finished"
	case status.Errors:
		return "errors"
	default:
		return "pending"
	}
}

func printTransfers(out io.Writer, transfers []models.FileTransfer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tRESOURCE\tFROM\tTO\tERROR")
	for _, t := range transfers {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			t.ID, t.State, t.Attempts, t.FileResourceID, t.FromStorageID, t.ToStorageID, t.ErrorKind)
	}
	return w.Flush()
}

func parseID(value string) (uint, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id '%s'", value)
	}
	return uint(id), nil
}
