// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	// ErrUniquenessConflict is returned by Store.InsertLimits when limits
	// already exist for the key.
	ErrUniquenessConflict = errors.New("quota: limits already exist")

	// ErrStoreUnavailable wraps store failures surfaced on the request path.
	ErrStoreUnavailable = errors.New("quota: store unavailable")

	// ErrNotCached is returned when Increment or Decrement run before Get.
	// It is a caller bug.
	ErrNotCached = errors.New("quota: increment or decrement before get")

	// ErrLimitsNotFound is returned by Store.FindLimits.
	ErrLimitsNotFound = errors.New("quota: limits not found")

	// ErrDefaultsNotFound is returned by Store.GetDefaultLimits.
	ErrDefaultsNotFound = errors.New("quota: default limits not found")
)

// LimitKind tells which ceiling was reached.
type LimitKind int

const (
	LimitQuota LimitKind = iota
	LimitRate
)

func (k LimitKind) String() string {
	switch k {
	case LimitQuota:
		return "quota"
	case LimitRate:
		return "rate"
	default:
		return "unknown"
	}
}

// LimitExceededError rejects a download because a ceiling is reached.
type LimitExceededError struct {
	Kind    LimitKind
	Tenant  string
	User    string
	Limit   int64
	Current int64
}

func (e *LimitExceededError) Error() string {
	switch e.Kind {
	case LimitRate:
		return fmt.Sprintf("download rate exceeded for user %s: %s transfers in flight, limit is %s",
			e.User, humanize.Comma(e.Current), humanize.Comma(e.Limit))
	default:
		return fmt.Sprintf("download quota exceeded for user %s: %s downloads used, limit is %s",
			e.User, humanize.Comma(e.Current), humanize.Comma(e.Limit))
	}
}

// IsLimitExceeded reports whether err rejects a download on either ceiling.
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}

// IsQuotaExceeded reports whether err is a quota ceiling rejection.
func IsQuotaExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le) && le.Kind == LimitQuota
}

// IsRateExceeded reports whether err is a rate ceiling rejection.
func IsRateExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le) && le.Kind == LimitRate
}

// unavailable tags a store error so callers can test it with errors.Is.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ErrInvalidLimits rejects limits below Unlimited or without a user.
var ErrInvalidLimits = errors.New("quota: invalid limits")

func validateLimits(user string, maxQuota, rateLimit int64) error {
	if user == "" {
		return fmt.Errorf("%w: empty user", ErrInvalidLimits)
	}
	if maxQuota < Unlimited || rateLimit < Unlimited {
		return fmt.Errorf("%w: max quota %d, rate limit %d", ErrInvalidLimits, maxQuota, rateLimit)
	}
	return nil
}
