// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import "fmt"

// Unlimited disables a ceiling when used as MaxQuota or RateLimit.
const Unlimited int64 = -1

// Key scopes every tracked value to one user of one tenant.
type Key struct {
	Tenant string
	User   string
}

// NewKey builds a Key.
func NewKey(tenant, user string) Key {
	return Key{Tenant: tenant, User: user}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Tenant, k.User)
}

// Limits is the configured ceiling of a user.
type Limits struct {
	ID        int64
	Tenant    string
	User      string
	MaxQuota  int64
	RateLimit int64
}

// Key returns the scope these limits apply to.
func (l Limits) Key() Key {
	return Key{Tenant: l.Tenant, User: l.User}
}

// DefaultLimits is the per-tenant template for new Limits records.
type DefaultLimits struct {
	Tenant    string
	MaxQuota  int64
	RateLimit int64
}

// For returns new limits for user built from the defaults.
func (d DefaultLimits) For(user string) Limits {
	return Limits{
		Tenant:    d.Tenant,
		User:      user,
		MaxQuota:  d.MaxQuota,
		RateLimit: d.RateLimit,
	}
}

// Aggregate is a quota counter and a rate gauge, either for one instance
// row or summed across instances.
type Aggregate struct {
	Quota int64
	Rate  int64
}

// Diff is a pending change to an Aggregate.
type Diff struct {
	Quota int64
	Rate  int64
}

// Add returns the sum of both diffs.
func (d Diff) Add(o Diff) Diff {
	return Diff{Quota: d.Quota + o.Quota, Rate: d.Rate + o.Rate}
}

// IsZero reports whether the diff changes nothing.
func (d Diff) IsZero() bool {
	return d.Quota == 0 && d.Rate == 0
}

// UserDiffs is the local view of one key: the aggregate seen at the last
// successful sync, and the local changes since.
// Values are immutable once published.
type UserDiffs struct {
	LastQuota int64
	QuotaDiff int64
	LastRate  int64
	RateDiff  int64
}

// Current returns lastKnown + diff for both values.
func (u UserDiffs) Current() Aggregate {
	return Aggregate{
		Quota: u.LastQuota + u.QuotaDiff,
		Rate:  u.LastRate + u.RateDiff,
	}
}

// Pending returns the unsynced local changes.
func (u UserDiffs) Pending() Diff {
	return Diff{Quota: u.QuotaDiff, Rate: u.RateDiff}
}

// UserCurrentQuotas is the administrative view of a user's limits and live values.
type UserCurrentQuotas struct {
	User         string
	MaxQuota     int64
	RateLimit    int64
	CurrentQuota int64
	CurrentRate  int64
}
