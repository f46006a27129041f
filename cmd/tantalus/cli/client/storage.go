package client

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/mwantia/tantalus/cmd/tantalus/cli"
	"github.com/mwantia/tantalus/internal/agent"
	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/spf13/cobra"
)

func NewStorageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage storages",
		Long:  "Register storages and inspect the files they hold.",
	}

	cmd.AddCommand(NewStorageAddCommand())
	cmd.AddCommand(NewStorageListCommand())
	cmd.AddCommand(NewStorageFilesCommand())
	cmd.AddCommand(NewStorageStatCommand())
	cmd.AddCommand(NewStorageRemoveCommand())

	return cmd
}

func NewStorageAddCommand() *cobra.Command {
	storage := models.Storage{}
	var kind string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a storage",
		Long: `Register a storage. Which flags apply depends on --kind:

  server      --host, --root
  azure_blob  --account, --container, --endpoint, --prefix
  s3          --endpoint, --bucket, --prefix

Credentials are read from the storages section of the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage.Name = args[0]
			storage.Kind = models.StorageKind(kind)

			switch storage.Kind {
			case models.StorageKindServer, models.StorageKindAzureBlob, models.StorageKindS3:
			default:
				return fmt.Errorf("unknown storage kind '%s'", kind)
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				if _, err := services.Backends.Resolve(&storage); err != nil {
					return err
				}
				if err := services.Store.CreateStorage(ctx, &storage); err != nil {
					return fmt.Errorf("failed to register storage '%s': %w", storage.Name, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s storage '%s' (queue %s)\n",
					storage.Kind, storage.Name, storage.QueueName())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(models.StorageKindServer), "storage kind (server, azure_blob, s3)")
	cmd.Flags().StringVar(&storage.Site, "site", "", "administrative site of the storage")
	cmd.Flags().StringVar(&storage.Host, "host", "", "server host name")
	cmd.Flags().StringVar(&storage.Root, "root", "", "server root directory")
	cmd.Flags().StringVar(&storage.Account, "account", "", "azure storage account")
	cmd.Flags().StringVar(&storage.Container, "container", "", "azure blob container")
	cmd.Flags().StringVar(&storage.Endpoint, "endpoint", "", "service endpoint")
	cmd.Flags().StringVar(&storage.Bucket, "bucket", "", "s3 bucket")
	cmd.Flags().StringVar(&storage.Prefix, "prefix", "", "key prefix for cloud storages")

	return cmd
}

func NewStorageListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List registered storages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				storages, err := services.Store.ListStorages(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tKIND\tSITE\tLOCATION")
				for _, s := range storages {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Kind, s.Site, location(&s))
				}
				return w.Flush()
			})
		},
	}

	return cmd
}

func NewStorageFilesCommand() *cobra.Command {
	var humanReadable bool
	var longFormat bool

	cmd := &cobra.Command{
		Use:   "files <storage> [prefix]",
		Short: "List files on a storage",
		Long:  "List the committed files held by a storage, optionally below a prefix.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 2 {
				prefix = args[1]
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				st, err := services.Store.GetStorageByName(ctx, args[0])
				if err != nil {
					return fmt.Errorf("unknown storage '%s': %w", args[0], err)
				}
				backend, err := services.Backends.Resolve(st)
				if err != nil {
					return err
				}

				files, err := backend.List(ctx, prefix)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, f := range files {
					if !longFormat {
						fmt.Fprintln(w, f.Path)
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", size(f.Size, humanReadable),
						f.ModTime.Format("2006-01-02 15:04"), f.Path)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&humanReadable, "human", "H", false, "Enable human-readable format")
	cmd.Flags().BoolVarP(&longFormat, "long", "l", false, "Display long format")

	return cmd
}

func NewStorageStatCommand() *cobra.Command {
	var compute bool

	cmd := &cobra.Command{
		Use:   "stat <storage> <path>",
		Short: "Show a file on a storage",
		Long:  "Show size and checksum of a file on a storage together with its recorded checksum history.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				st, err := services.Store.GetStorageByName(ctx, args[0])
				if err != nil {
					return fmt.Errorf("unknown storage '%s': %w", args[0], err)
				}
				backend, err := services.Backends.Resolve(st)
				if err != nil {
					return err
				}

				info, err := backend.Stat(ctx, args[1])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Path:     %s\n", info.Path)
				fmt.Fprintf(out, "Size:     %s (%d bytes)\n", humanize.Bytes(uint64(info.Size)), info.Size)
				fmt.Fprintf(out, "Modified: %s\n", info.ModTime.Format("2006-01-02 15:04:05"))
				if info.MD5 != "" {
					fmt.Fprintf(out, "MD5:      %s (reported)\n", info.MD5)
				}

				if compute {
					check, err := services.Verifier.Verify(ctx, st, backend, info.Path, info.MD5, nil)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "MD5:      %s (computed)\n", check.Computed)
				}

				checks, err := services.Store.ListMD5Checks(ctx, st.ID, info.Path)
				if err != nil {
					return err
				}
				if len(checks) > 0 {
					fmt.Fprintln(out, "Checks:")
					for _, check := range checks {
						fmt.Fprintf(out, "  %s  match=%t  computed=%s\n",
							check.CheckedAt.Format("2006-01-02 15:04:05"), check.Match, check.Computed)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&compute, "md5", false, "compute the checksum by reading the file")

	return cmd
}

func NewStorageRemoveCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "rm <storage>",
		Short: "Remove a storage registration",
		Long:  "Removes the storage record from the metadata store. Files on the storage are not touched (needs confirmation).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to remove storage '%s' without --confirm", args[0])
			}

			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				st, err := services.Store.GetStorageByName(ctx, args[0])
				if err != nil {
					return fmt.Errorf("unknown storage '%s': %w", args[0], err)
				}

				active, err := services.Orchestrator.ActiveTransfers(ctx, st.Name)
				if err != nil {
					return err
				}
				if active > 0 {
					return fmt.Errorf("storage '%s' has %d running transfers", st.Name, active)
				}

				if err := services.Store.DeleteStorage(ctx, st.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed storage '%s'\n", st.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&confirm, "confirm", "c", false, "Confirms the removal of a storage")

	return cmd
}

func location(s *models.Storage) string {
	switch s.Kind {
	case models.StorageKindServer:
		return fmt.Sprintf("%s:%s", s.Host, s.Root)
	case models.StorageKindAzureBlob:
		return fmt.Sprintf("%s/%s/%s", s.Account, s.Container, s.Prefix)
	case models.StorageKindS3:
		return fmt.Sprintf("%s/%s/%s", s.Endpoint, s.Bucket, s.Prefix)
	default:
		return ""
	}
}

func size(n int64, human bool) string {
	if human {
		return humanize.Bytes(uint64(n))
	}
	return fmt.Sprintf("%d", n)
}
