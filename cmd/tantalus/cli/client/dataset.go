package client

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/mwantia/tantalus/cmd/tantalus/cli"
	"github.com/mwantia/tantalus/internal/agent"
	"github.com/spf13/cobra"
)

func NewDatasetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage datasets",
	}

	cmd.AddCommand(NewDatasetImportCommand())
	cmd.AddCommand(NewDatasetShowCommand())

	return cmd
}

func NewDatasetImportCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "import <storage> <dataset> [paths...]",
		Short: "Register files already present on a storage",
		Long: `Checksum files already present on a storage, record them as verified
instances and attach them to the dataset. The dataset is created when it
does not exist. Without paths every file on the storage is imported.`,
		Args: cobra.MinimumNArgs(2),
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

				result, err := services.Registry.Import(ctx, st, backend, args[1], kind, args[2:])
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d files into dataset '%s' (%d new resources)\n",
					len(result.Resources), result.Dataset.Name, result.Created)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "dataset kind, e.g. bam or fastq")

	return cmd
}

func NewDatasetShowCommand() *cobra.Command {
	var humanReadable bool

	cmd := &cobra.Command{
		Use:   "show <dataset>",
		Short: "Show the files of a dataset and where they are stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunWithServices(cmd, func(ctx context.Context, services *agent.Services) error {
				dataset, err := services.Store.GetDatasetByName(ctx, args[0])
				if err != nil {
					return fmt.Errorf("unknown dataset '%s': %w", args[0], err)
				}

				storages, err := services.Store.ListStorages(ctx)
				if err != nil {
					return err
				}
				names := make(map[uint]string, len(storages))
				for _, s := range storages {
					names[s.ID] = s.Name
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Dataset %s (kind %q, %d files)\n\n", dataset.Name, dataset.Kind, len(dataset.FileResources))

				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MD5\tKIND\tSIZE\tPATH\tINSTANCES")
				for _, resource := range dataset.FileResources {
					instances, err := services.Store.ListFileInstances(ctx, resource.ID)
					if err != nil {
						return err
					}

					locations := ""
					for i, instance := range instances {
						if i > 0 {
							locations += ","
						}
						locations += names[instance.StorageID]
						switch {
						case instance.Stale:
							locations += "(stale)"
						case !instance.Verified:
							locations += "(unverified)"
						}
					}

					sz := fmt.Sprintf("%d", resource.Size)
					if humanReadable {
						sz = humanize.Bytes(uint64(resource.Size))
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", resource.MD5, resource.Kind, sz, resource.Path, locations)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&humanReadable, "human", "H", false, "Enable human-readable format")

	return cmd
}
