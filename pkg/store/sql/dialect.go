// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sql stores download quota limits and per-instance counters in a
// SQL database. Queries are written once with PostgreSQL placeholders and
// adapted per dialect, so PostgreSQL, CockroachDB, MySQL and SQLite share a
// single implementation.
package sql

import (
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences.
type Dialect interface {
	// Name returns the dialect name (e.g., "postgres", "mysql").
	Name() string

	// ReplacePlaceholders converts PostgreSQL-style placeholders ($1, $2, ...)
	// to the dialect's format.
	ReplacePlaceholders(query string) string

	// UpsertSuffix returns the suffix for INSERT statements that replace
	// updateColumns on conflict.
	UpsertSuffix(table, conflictColumns string, updateColumns []string) string

	// CombineSuffix returns the suffix for INSERT statements that add the
	// inserted addColumns to the existing row and replace setColumns.
	CombineSuffix(table, conflictColumns string, addColumns, setColumns []string) string

	// SupportsReturning reports whether INSERT ... RETURNING is available.
	SupportsReturning() bool

	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation(err error) bool
}

// replaceNumbered rewrites $n placeholders to prefix+n, or to prefix alone
// when numbered is false. Replaces from highest to lowest so $12 is not
// rewritten as $1 followed by 2.
func replaceNumbered(query, prefix string, numbered bool) string {
	result := query
	for i := 50; i >= 1; i-- {
		repl := prefix
		if numbered {
			repl = fmt.Sprintf("%s%d", prefix, i)
		}
		result = strings.ReplaceAll(result, fmt.Sprintf("$%d", i), repl)
	}
	return result
}

// excludedSuffix is the ON CONFLICT form shared by PostgreSQL and SQLite.
func excludedSuffix(table, conflictColumns string, addColumns, setColumns []string) string {
	updates := make([]string, 0, len(addColumns)+len(setColumns))
	for _, col := range addColumns {
		updates = append(updates, fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", col, table, col, col))
	}
	for _, col := range setColumns {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	if len(updates) == 0 {
		return ""
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", conflictColumns, strings.Join(updates, ", "))
}

// dialectFor returns the dialect and database/sql driver name of a
// configured driver.
func dialectFor(driver string) (Dialect, string, error) {
	switch driver {
	case DriverPostgres, DriverCockroach:
		return PostgresDialect{}, "pgx", nil
	case DriverMySQL:
		return MySQLDialect{}, "mysql", nil
	case DriverSQLite:
		return SQLiteDialect{}, "sqlite", nil
	default:
		return nil, "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}
