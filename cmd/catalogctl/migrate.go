package main

import (
	"github.com/spf13/cobra"

	"github.com/property-catalog/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}
		db, _ := cmd.Flags().GetString("db")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, ctx, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return app.Migrate(ctx, cfg, db, action, dir)
	},
}

func init() {
	migrateCmd.Flags().String("db", app.MigratePostgres, "Database: postgres or clickhouse")
	migrateCmd.Flags().String("dir", "migrations", "Directory holding the postgres/ and clickhouse/ migrations")
	rootCmd.AddCommand(migrateCmd)
}
