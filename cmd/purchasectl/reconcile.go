package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-course-purchase/internal/app"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
	"github.com/imrishuroy/go-course-purchase/internal/pgledger"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep with the service configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			svc, err := app.Build(cmd.Context(), cfg, logging.New(cfg.App.LogLevel))
			if err != nil {
				return err
			}
			defer svc.Close()

			rep, err := svc.Reconciler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "orphaned:     %d\n", rep.Orphaned)
			fmt.Fprintf(out, "expired:      %d\n", rep.Expired)
			fmt.Fprintf(out, "repropagated: %d\n", rep.Repropagated)
			fmt.Fprintf(out, "errors:       %d\n", rep.Errors)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			ctx := cmd.Context()
			db, err := pgledger.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := pgledger.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	return cmd
}
