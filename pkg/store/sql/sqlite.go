// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// sqliteDSN appends the connection pragmas to dsn, keeping any query
// parameters it already has.
func sqliteDSN(dsn string) string {
	switch {
	case !strings.Contains(dsn, "?"):
		return dsn + "?" + sqlitePragmas
	case strings.HasSuffix(dsn, "?"), strings.HasSuffix(dsn, "&"):
		return dsn + sqlitePragmas
	default:
		return dsn + "&" + sqlitePragmas
	}
}

// SQLiteDialect implements Dialect for SQLite. It suits single node
// deployments and tests.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() string {
	return "sqlite"
}

// ReplacePlaceholders uses ?NNN so a parameter may appear more than once.
func (SQLiteDialect) ReplacePlaceholders(query string) string {
	return replaceNumbered(query, "?", true)
}

func (SQLiteDialect) UpsertSuffix(table, conflictColumns string, updateColumns []string) string {
	return excludedSuffix(table, conflictColumns, nil, updateColumns)
}

func (SQLiteDialect) CombineSuffix(table, conflictColumns string, addColumns, setColumns []string) string {
	return excludedSuffix(table, conflictColumns, addColumns, setColumns)
}

func (SQLiteDialect) SupportsReturning() bool {
	return true
}

func (SQLiteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// primary result code only, when extended codes are off
		return true
	}
	return false
}
