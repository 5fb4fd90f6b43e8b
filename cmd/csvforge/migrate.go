package main

import (
	"fmt"

	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/spf13/cobra"
)

var runMigrations = store.RunMigrations

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long:  "Apply every pending migration in the migrations directory to the database named by DATABASE_URL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbCfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}
			if err := runMigrations(dbCfg.URL, dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "Directory containing migration files")
	return cmd
}
