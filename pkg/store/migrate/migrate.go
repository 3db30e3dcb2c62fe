// Package migrate runs ordered .sql files from an embedded filesystem.
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
)

// ExecFunc executes a single SQL statement.
type ExecFunc func(ctx context.Context, stmt string) error

// Run executes every .sql file in dir in filename order (0001_*.sql,
// 0002_*.sql, ...). Each file may hold several statements separated by
// semicolons at end of line. Statements must be idempotent.
func Run(ctx context.Context, log *slog.Logger, fsys fs.FS, dir string, exec ExecFunc) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		log.Warn("migrate: no migration files found", "dir", dir)
		return nil
	}

	for _, name := range files {
		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range SplitStatements(string(content)) {
			if err := exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s (statement %d): %w", name, i+1, err)
			}
		}
		log.Debug("migrate: applied", "file", name)
	}

	log.Info("migrate: schema up to date", "dir", dir, "files", len(files))
	return nil
}

// SplitStatements splits SQL content on lines ending in a semicolon. Blank
// lines and lines starting with -- are dropped.
func SplitStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for line := range strings.SplitSeq(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, strings.TrimSuffix(stmt, ";"))
			}
			current.Reset()
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
