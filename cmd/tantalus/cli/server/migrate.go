package server

import (
	"fmt"
	"text/tabwriter"

	"github.com/mwantia/tantalus/internal/agent"
	"github.com/mwantia/tantalus/pkg/db/migrations"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/spf13/cobra"

	config "github.com/mwantia/tantalus/internal/config/server"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage metadata schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *migrations.Migrator) error {
				applied, err := m.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migrations\n", applied)
				return nil
			})
		},
	}

	cmd.AddCommand(newMigrateStatusCommand())
	cmd.AddCommand(newMigrateRollbackCommand())

	return cmd
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *migrations.Migrator) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tAT\tDESCRIPTION")
				for _, s := range statuses {
					at := "-"
					if s.Applied {
						at = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%t\t%s\t%s\n", s.Version, s.Applied, at, s.Description)
				}
				return w.Flush()
			})
		},
	}
}

func newMigrateRollbackCommand() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *migrations.Migrator) error {
				rolled, err := m.Rollback(cmd.Context(), steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migrations\n", rolled)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	return cmd
}

// withMigrator opens the store without migrating it.
func withMigrator(cmd *cobra.Command, fn func(m *migrations.Migrator) error) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load server configuration: %w", err)
	}

	s, err := store.NewSQLiteStore(agent.StoreConfig(cfg))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Connect(cmd.Context()); err != nil {
		return err
	}

	return fn(migrations.NewMigrator(s.DB()))
}
