package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authctxd",
		Short: "Multi-tenant authorization backend",
		Long: `authctxd issues and refreshes sessions, publishes its signing keys,
brokers platform-admin impersonation and serves the admin directory listings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("AUTHCTX_CONFIG"),
		"path to the YAML configuration file (env AUTHCTX_CONFIG)")

	root.AddCommand(newServeCmd(), newKeygenCmd())
	return root
}
