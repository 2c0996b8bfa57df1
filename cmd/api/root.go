package main

import (
	"github.com/spf13/cobra"

	"github.com/finassist/authsvc/internal/config"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "authsvc",
		Short:         "Authentication and session service for the FinAssist chat assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML configuration file")
	config.BindFlags(root.PersistentFlags())

	load := func(cmd *cobra.Command) (config.Config, error) {
		return config.Load(configPath, cmd.Flags())
	}

	serve := newServeCommand(load)
	root.AddCommand(serve, newMigrateCommand(load))
	root.RunE = serve.RunE
	return root
}
