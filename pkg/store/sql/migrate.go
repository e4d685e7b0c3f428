// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// LoadMigrations returns the migrations of a dialect in version order.
func LoadMigrations(dialect string) ([]Migration, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// 001_download_quota.sql -> 1, download_quota
		var version int
		var name string
		if _, err := fmt.Sscanf(entry.Name(), "%d_%s", &version, &name); err != nil {
			return nil, fmt.Errorf("parse migration filename %s: %w", entry.Name(), err)
		}

		content, err := fs.ReadFile(migrationsFS, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(name, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies the pending migrations of the store's dialect and
// returns the resulting schema version.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := LoadMigrations(s.dialect.Name())
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return current, fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		current = m.Version
		logger.Info().
			Str("dialect", s.dialect.Name()).
			Int("version", m.Version).
			Str("name", m.Name).
			Msg("applied migration")
	}
	return current, nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return version, nil
}

// apply runs the statements of m and records its version in one
// transaction where the database supports transactional DDL.
func (s *Store) apply(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range splitSQLStatements(m.SQL) {
		stmt = stripLeadingComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.dialect.ReplacePlaceholders(`INSERT INTO schema_migrations (version) VALUES ($1)`), m.Version); err != nil {
		return fmt.Errorf("record migration version: %w", err)
	}
	return tx.Commit()
}

// stripLeadingComments removes leading SQL comment lines from a statement.
func stripLeadingComments(stmt string) string {
	lines := strings.Split(strings.TrimSpace(stmt), "\n")
	for len(lines) > 0 {
		line := strings.TrimSpace(lines[0])
		if line == "" || strings.HasPrefix(line, "--") {
			lines = lines[1:]
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitSQLStatements splits a SQL script into individual statements.
// Semicolons inside strings and comments do not end a statement.
func splitSQLStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)
	inLineComment := false
	inBlockComment := false

	for i := 0; i < len(script); i++ {
		c := script[i]

		if !inString && !inBlockComment && !inLineComment && i+1 < len(script) && c == '-' && script[i+1] == '-' {
			inLineComment = true
			current.WriteByte(c)
			continue
		}
		if inLineComment {
			current.WriteByte(c)
			if c == '\n' {
				inLineComment = false
			}
			continue
		}

		if !inString && i+1 < len(script) && c == '/' && script[i+1] == '*' {
			inBlockComment = true
			current.WriteByte(c)
			continue
		}
		if inBlockComment {
			current.WriteByte(c)
			if c == '*' && i+1 < len(script) && script[i+1] == '/' {
				current.WriteByte(script[i+1])
				i++
				inBlockComment = false
			}
			continue
		}

		if !inString && (c == '\'' || c == '"') {
			inString = true
			stringChar = c
			current.WriteByte(c)
			continue
		}
		if inString {
			current.WriteByte(c)
			if c == stringChar {
				if i+1 < len(script) && script[i+1] == stringChar {
					current.WriteByte(script[i+1])
					i++
					continue
				}
				inString = false
			}
			continue
		}

		if c == ';' {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
