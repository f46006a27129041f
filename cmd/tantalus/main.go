package main

import (
	"fmt"
	"os"

	"github.com/mwantia/tantalus/cmd/tantalus/cli"
	"github.com/mwantia/tantalus/cmd/tantalus/cli/client"
	"github.com/mwantia/tantalus/cmd/tantalus/cli/server"
)

var (
	version = "0.0.1-dev"
	commit  = "main"
)

func main() {
	info := cli.VersionInfo{
		Version: version,
		Commit:  commit,
	}
	root := cli.NewRootCommand(info)

	root.AddCommand(cli.NewVersionCommand(info))

	root.AddCommand(server.NewAgentCommand())
	root.AddCommand(server.NewConfigCommand())
	root.AddCommand(server.NewMigrateCommand())

	root.AddCommand(client.NewStorageCommand())
	root.AddCommand(client.NewDatasetCommand())
	root.AddCommand(client.NewDeployCommand())
	root.AddCommand(client.NewTransferCommand())

	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
