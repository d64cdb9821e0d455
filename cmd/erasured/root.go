package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "erasured",
		Short:         "Erasure plan executor",
		Long:          "erasured executes declarative data-broker erasure plans: durable runs,\napprovals, scheduled scans, and artifact retention.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "erasured.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPlanCmd())
	return root
}
