// Package main is the csvforge admin CLI: schema migrations, API keys and
// job maintenance against the server's database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/spf13/cobra"
)

// openStore connects to the database named by DATABASE_URL.
var openStore = func(ctx context.Context) (store.Store, func(), error) {
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Connect(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(db), db.Close, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "csvforge",
		Short:         "csvforge administration",
		Long:          "Administrative commands for a csvforge deployment: apply database migrations, issue API keys and maintain jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newKeysCmd(), newJobsCmd())
	return root
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
