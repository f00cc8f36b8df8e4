package main

import (
	"github.com/spf13/cobra"
)

const (
	cliName        = "boltkv"
	cliDescription = "A simple command line tool for inspecting boltkv databases"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     cliName,
		Short:   cliDescription,
		Version: "dev",
	}

	rootCmd.AddCommand(
		newVersionCobraCommand(),
		newStatsCobraCommand(),
		newCheckCobraCommand(),
	)

	return rootCmd
}
