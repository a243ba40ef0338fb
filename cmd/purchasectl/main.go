// purchasectl is the operator tool for the purchase service: it replays signed payment
// webhooks against a running API, runs a reconciliation sweep and migrates the postgres
// ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "purchasectl",
		Short:   "Operate the course purchase service",
		Version: Version,
	}

	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
