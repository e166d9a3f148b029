package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "leaderd",
		Short:        "leaderd elects one leader among its peers over etcd or ZooKeeper",
		SilenceUsage: true,
	}

	cmd.AddCommand(RunCmd())
	cmd.AddCommand(VersionCmd())
	return cmd
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the leaderd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
