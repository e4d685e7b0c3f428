// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	sqlstore "github.com/LeeDigitalWorks/zapquota/pkg/store/sql"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the SQL store",
	Long: `Create or upgrade the download quota tables of the configured SQL store.
Only the postgres, cockroachdb, mysql and sqlite drivers have a schema.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	opts := loadStoreOpts(NewFlagLoader(cmd))
	switch opts.Driver {
	case sqlstore.DriverPostgres, sqlstore.DriverCockroach, sqlstore.DriverMySQL, sqlstore.DriverSQLite:
	default:
		return fmt.Errorf("driver %s has no schema to migrate", opts.Driver)
	}
	if opts.SQL.DSN == "" {
		return fmt.Errorf("--db_dsn required for %s driver", opts.Driver)
	}

	store, err := sqlstore.Open(cmd.Context(), opts.SQL)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.Migrate(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
	return nil
}
