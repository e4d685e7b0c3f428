// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQLDialect implements Dialect for MySQL and Vitess.
type MySQLDialect struct{}

var _ Dialect = MySQLDialect{}

func (MySQLDialect) Name() string {
	return "mysql"
}

func (MySQLDialect) ReplacePlaceholders(query string) string {
	return replaceNumbered(query, "?", false)
}

func (d MySQLDialect) UpsertSuffix(table, conflictColumns string, updateColumns []string) string {
	return d.CombineSuffix(table, conflictColumns, nil, updateColumns)
}

// CombineSuffix ignores conflictColumns: MySQL resolves the conflict on any
// unique key.
func (MySQLDialect) CombineSuffix(_, _ string, addColumns, setColumns []string) string {
	updates := make([]string, 0, len(addColumns)+len(setColumns))
	for _, col := range addColumns {
		updates = append(updates, fmt.Sprintf("%s = %s + VALUES(%s)", col, col, col))
	}
	for _, col := range setColumns {
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}
	if len(updates) == 0 {
		return ""
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
}

func (MySQLDialect) SupportsReturning() bool {
	return false
}

func (MySQLDialect) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
