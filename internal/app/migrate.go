package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/property-catalog/internal/config"
	"github.com/property-catalog/internal/storage"
)

// Migration targets
const (
	MigratePostgres   = "postgres"
	MigrateClickHouse = "clickhouse"
)

// Migrate runs action (up, down or version) against one database.
// dir holds the postgres/ and clickhouse/ migration folders.
func Migrate(ctx context.Context, cfg *config.Config, db, action, dir string) error {
	switch db {
	case MigratePostgres:
		return migratePostgres(cfg, action, filepath.Join(dir, "postgres"))
	case MigrateClickHouse:
		return migrateClickHouse(ctx, cfg, action, filepath.Join(dir, "clickhouse"))
	default:
		return fmt.Errorf("unknown database type: %s", db)
	}
}

func migratePostgres(cfg *config.Config, action, migrationsPath string) error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	databaseURL := cfg.DatabaseURL()

	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Println("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func migrateClickHouse(ctx context.Context, cfg *config.Config, action, migrationsPath string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}
	if !cfg.ClickHouseEnabled() {
		return fmt.Errorf("CLICKHOUSE_HOST is not set")
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	log.Println("Connecting to ClickHouse...")
	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	log.Println("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(ctx, db, migrationsPath); err != nil {
		return err
	}

	log.Println("ClickHouse migrations completed successfully")
	return nil
}
