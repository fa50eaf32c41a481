package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/property-catalog/internal/logging"
)

// RunClickHouseMigrations applies every .sql file in migrationsPath in name
// order. Statements must be idempotent (CREATE ... IF NOT EXISTS); there is no
// version table.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) error {
	files, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	if len(sqlFiles) == 0 {
		logging.Info("No ClickHouse migration files found")
		return nil
	}

	for _, filename := range sqlFiles {
		filePath := filepath.Join(migrationsPath, filename)
		content, err := os.ReadFile(filePath) // #nosec G304 - filePath is constructed from trusted migrationsPath
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			logging.WithFields(map[string]interface{}{
				"file":      filename,
				"statement": i + 1,
			}).Debugf("Executing %s", truncate(stmt, 80))

			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, filename, err)
			}
		}

		logging.WithField("file", filename).Info("Applied ClickHouse migration")
	}

	return nil
}

// splitSQLStatements splits SQL content into individual statements,
// dropping comment-only lines and trailing semicolons.
func splitSQLStatements(content string) []string {
	var statements []string
	var currentStmt strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(currentStmt.String()), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
		currentStmt.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine == "" || strings.HasPrefix(trimmedLine, "--") {
			continue
		}

		currentStmt.WriteString(line)
		currentStmt.WriteString("\n")

		if strings.HasSuffix(trimmedLine, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
