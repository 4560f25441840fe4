package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crosspost/pkg/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the account store schema",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, ok := loadRuntimeConfig("cmd.migrate")
		if !ok {
			return
		}
		if cfg.Store.Driver != "postgres" {
			fmt.Printf("store driver %q needs no migration\n", cfg.Store.Driver)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pg, err := postgres.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			fmt.Printf("open store: %v\n", err)
			return
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			fmt.Printf("migrate failed: %v\n", err)
			return
		}
		log.Info("Schema applied")
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
