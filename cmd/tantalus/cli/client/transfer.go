package client

import (
	"context"
	"fmt"

	"github.com/mwantia/tantalus/cmd/tantalus/cli"
	"github.com/mwantia/tantalus/internal/agent"
	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/spf13/cobra"
)

func NewTransferCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Inspect and control file transfers",
	}

	cmd.AddCommand(NewTransferShowCommand())
	cmd.AddCommand(NewTransferRestartCommand())
	cmd.AddCommand(NewTransferRunCommand())
	cmd.AddCommand(NewTransferActiveCommand())

	return cmd
}

func NewTransferShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a file transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				transfer, err := services.Store.GetFileTransfer(ctx, id)
				if err != nil {
					return fmt.Errorf("unknown transfer %d: %w", id, err)
				}
				printTransfer(cmd, transfer)
				return nil
			})
		},
	}

	return cmd
}

func NewTransferRestartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <id>",
		Short: "Requeue a transfer that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				transfer, err := services.Orchestrator.Restart(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Transfer %d requeued on %s\n", transfer.ID, transfer.ToStorage.QueueName())
				return nil
			})
		},
	}

	return cmd
}

func NewTransferRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a queued or failed transfer in the foreground",
		Long: `Execute a queued or failed transfer in this process instead of an agent.
A failed transfer is restarted first. A transfer claimed by an agent is left
untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				transfer, err := services.Store.GetFileTransfer(ctx, id)
				if err != nil {
					return fmt.Errorf("unknown transfer %d: %w", id, err)
				}
				if transfer.State == models.TransferFailed {
					if _, err := services.Orchestrator.Restart(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Transfer %d restarted\n", id)
				}

				if err := services.Runner.Run(ctx, id); err != nil {
					return err
				}

				transfer, err = services.Store.GetFileTransfer(ctx, id)
				if err != nil {
					return err
				}
				printTransfer(cmd, transfer)
				return nil
			})
		},
	}

	return cmd
}

func NewTransferActiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active [storages...]",
		Short: "Count running transfers",
		Long:  "Count running transfers, optionally only those reading from or writing to the given storages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				count, err := services.Orchestrator.ActiveTransfers(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), count)
				return nil
			})
		},
	}

	return cmd
}

func printTransfer(cmd *cobra.Command, t *models.FileTransfer) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Transfer:   %d (deployment %d)\n", t.ID, t.DeploymentID)
	fmt.Fprintf(out, "File:       %s (%s)\n", t.FileResource.Path, t.FileResource.MD5)
	fmt.Fprintf(out, "From:       %s\n", t.FromStorage.Name)
	fmt.Fprintf(out, "To:         %s\n", t.ToStorage.Name)
	fmt.Fprintf(out, "State:      %s\n", t.State)
	fmt.Fprintf(out, "Attempts:   %d\n", t.Attempts)
	if t.StartedAt != nil {
		fmt.Fprintf(out, "Started:    %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:   %s\n", t.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	if t.Error != "" {
		fmt.Fprintf(out, "Error:      [%s] %s\n", t.ErrorKind, t.Error)
	}
}
