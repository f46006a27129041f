package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// persistentBindings maps root flags onto configuration keys.
var persistentBindings = map[string]string{
	"log-level": "log.level",
	"no-color":  "log.no_color",
	"log-json":  "log.json",
	"db":        "metadata.sqlite.path",
}

func NewRootCommand(info VersionInfo) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "tantalus",
		Short: "Tantalus dataset replication",
		Long: `Tantalus replicates sequencing datasets between server, Azure Blob and S3
storages. Every copy is verified by checksum before it is trusted.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       fmt.Sprintf("%s.%s", info.Version, info.Commit),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(path)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&path, "config", "", "config file (default is ./tantalus.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("no-color", false, "Disables colored command output")
	flags.Bool("log-json", false, "Write log entries as JSON")
	flags.String("db", "", "path of the sqlite metadata database")

	for flag, key := range persistentBindings {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	return cmd
}
