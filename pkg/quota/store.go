// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"time"
)

// Store is the persistent aggregate store shared by every instance.
//
// Each instance owns one counter row and one gauge row per key. Rows are only
// ever combined (row += diff) by their owner; totals are read through
// SumAcrossInstances.
type Store interface {
	// UpsertOrCombine atomically adds diff.Quota to the instance's counter row
	// and diff.Rate to its gauge row, creating them when missing, and pushes
	// the gauge row expiry to rateExpiresAt. It returns the rows' new values.
	UpsertOrCombine(ctx context.Context, instanceID string, key Key, diff Diff, rateExpiresAt time.Time) (Aggregate, error)

	// SumAcrossInstances returns the totals of every instance's rows for key.
	SumAcrossInstances(ctx context.Context, key Key) (Aggregate, error)

	// DeleteExpiredRates removes the gauge rows of tenant whose expiry is
	// before now, and returns how many were removed.
	DeleteExpiredRates(ctx context.Context, tenant string, now time.Time) (int64, error)

	// FindLimits returns ErrLimitsNotFound when key has no limits.
	FindLimits(ctx context.Context, key Key) (Limits, error)

	// InsertLimits creates limits and assigns their ID. It returns
	// ErrUniquenessConflict when limits already exist for the key.
	InsertLimits(ctx context.Context, limits Limits) (Limits, error)

	// SaveLimits inserts or replaces the limits of a key.
	SaveLimits(ctx context.Context, limits Limits) (Limits, error)

	// DeleteLimits removes the limits of key with every instance's rows.
	// Deleting a missing key is not an error.
	DeleteLimits(ctx context.Context, key Key) error

	// GetDefaultLimits returns ErrDefaultsNotFound for an unknown tenant.
	GetDefaultLimits(ctx context.Context, tenant string) (DefaultLimits, error)

	// SaveDefaultLimits inserts or replaces a tenant's defaults.
	SaveDefaultLimits(ctx context.Context, defaults DefaultLimits) (DefaultLimits, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
