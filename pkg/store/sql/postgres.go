// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (also works with CockroachDB)
)

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

// PostgresDialect implements Dialect for PostgreSQL and CockroachDB.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string {
	return "postgres"
}

func (PostgresDialect) ReplacePlaceholders(query string) string {
	return query
}

func (PostgresDialect) UpsertSuffix(table, conflictColumns string, updateColumns []string) string {
	return excludedSuffix(table, conflictColumns, nil, updateColumns)
}

func (PostgresDialect) CombineSuffix(table, conflictColumns string, addColumns, setColumns []string) string {
	return excludedSuffix(table, conflictColumns, addColumns, setColumns)
}

func (PostgresDialect) SupportsReturning() bool {
	return true
}

func (PostgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
