// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/property-catalog/internal/app"
	"github.com/property-catalog/internal/config"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", app.MigratePostgres, "Database type: postgres, clickhouse")
		dir    = flag.String("dir", "migrations", "Directory holding the postgres/ and clickhouse/ migrations")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := app.Migrate(context.Background(), cfg, *dbType, *action, *dir); err != nil {
		log.Fatalf("%s migration failed: %v", *dbType, err)
	}
}
