// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/LeeDigitalWorks/zapquota/pkg/cache"
	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
)

// Usage is the outcome of a successful pre-check.
type Usage struct {
	Limits Limits
	Quota  int64
	Rate   int64
}

// Operation is a download guarded by the quota check. It brackets the
// actual transfer with h.Start and h.Stop.
type Operation func(ctx context.Context, h *Handle) error

// Service decides whether a user may download and tracks the downloads it
// admits.
type Service struct {
	cfg      Config
	store    Store
	tracker  Tracker
	limits   *cache.Cache[Key, Limits]
	defaults atomic.Pointer[map[string]DefaultLimits]
}

// NewService creates a Service. The limits cache lives as long as ctx.
func NewService(ctx context.Context, cfg Config, store Store, tracker Tracker) *Service {
	cfg.Validate()
	s := &Service{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		limits: cache.New(ctx,
			cache.WithMaxSize[Key, Limits](cfg.CacheMaxEntries),
			cache.WithExpiry[Key, Limits](cfg.CacheIdleTTL),
		),
	}
	empty := make(map[string]DefaultLimits)
	s.defaults.Store(&empty)
	return s
}

// Start loads the default limits of every configured tenant, creating them
// from the configuration when the store has none.
func (s *Service) Start(ctx context.Context) error {
	for _, tenant := range s.cfg.Tenants {
		if _, err := s.defaultsFor(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

// Stop releases the limits cache.
func (s *Service) Stop() {
	s.limits.Stop()
}

func (s *Service) defaultsFor(ctx context.Context, tenant string) (DefaultLimits, error) {
	if d, ok := (*s.defaults.Load())[tenant]; ok {
		return d, nil
	}

	d, err := s.store.GetDefaultLimits(ctx, tenant)
	if errors.Is(err, ErrDefaultsNotFound) {
		d, err = s.store.SaveDefaultLimits(ctx, DefaultLimits{
			Tenant:    tenant,
			MaxQuota:  s.cfg.DefaultMaxQuota,
			RateLimit: s.cfg.DefaultRateLimit,
		})
		if err == nil {
			logger.Info().
				Str("tenant", tenant).
				Int64("max_quota", d.MaxQuota).
				Int64("rate_limit", d.RateLimit).
				Msg("created default download limits")
		}
	}
	if err != nil {
		return DefaultLimits{}, unavailable("load default limits", err)
	}
	s.publishDefaults(d)
	return d, nil
}

func (s *Service) publishDefaults(d DefaultLimits) {
	for {
		cur := s.defaults.Load()
		next := maps.Clone(*cur)
		next[d.Tenant] = d
		if s.defaults.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// FindOrCreateDownloadQuota returns the stored limits of key, creating them
// from the given defaults when missing. Losing a creation race to another
// instance is resolved by reading the winner's record.
func (s *Service) FindOrCreateDownloadQuota(ctx context.Context, key Key, defaultQuota, defaultRate int64) (Limits, error) {
	l, err := s.store.FindLimits(ctx, key)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ErrLimitsNotFound) {
		return Limits{}, unavailable("find limits", err)
	}

	created, err := s.store.InsertLimits(ctx, Limits{
		Tenant:    key.Tenant,
		User:      key.User,
		MaxQuota:  defaultQuota,
		RateLimit: defaultRate,
	})
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, ErrUniquenessConflict) {
		return Limits{}, unavailable("create limits", err)
	}

	l, err = s.store.FindLimits(ctx, key)
	if err != nil {
		return Limits{}, unavailable("find limits after conflict", err)
	}
	return l, nil
}

// CacheUserQuota returns the limits of key, from the cache when possible.
func (s *Service) CacheUserQuota(ctx context.Context, key Key) (Limits, error) {
	if l, ok := s.limits.Get(key); ok {
		return l, nil
	}
	d, err := s.defaultsFor(ctx, key.Tenant)
	if err != nil {
		return Limits{}, err
	}
	l, err := s.FindOrCreateDownloadQuota(ctx, key, d.MaxQuota, d.RateLimit)
	if err != nil {
		return Limits{}, err
	}
	s.limits.Set(key, l)
	return l, nil
}

// GetUserQuotaAndRate checks the live totals of a user against limits. It
// returns a *LimitExceededError when a ceiling is reached.
func (s *Service) GetUserQuotaAndRate(ctx context.Context, limits Limits) (Usage, error) {
	agg, err := s.tracker.Get(ctx, limits.Key())
	if err != nil {
		decisionsTotal.WithLabelValues(limits.Tenant, "error").Inc()
		return Usage{}, err
	}
	if limits.MaxQuota >= 0 && agg.Quota >= limits.MaxQuota {
		decisionsTotal.WithLabelValues(limits.Tenant, "quota_exceeded").Inc()
		return Usage{}, &LimitExceededError{
			Kind:    LimitQuota,
			Tenant:  limits.Tenant,
			User:    limits.User,
			Limit:   limits.MaxQuota,
			Current: agg.Quota,
		}
	}
	if limits.RateLimit >= 0 && agg.Rate >= limits.RateLimit {
		decisionsTotal.WithLabelValues(limits.Tenant, "rate_exceeded").Inc()
		return Usage{}, &LimitExceededError{
			Kind:    LimitRate,
			Tenant:  limits.Tenant,
			User:    limits.User,
			Limit:   limits.RateLimit,
			Current: agg.Rate,
		}
	}
	decisionsTotal.WithLabelValues(limits.Tenant, "allowed").Inc()
	return Usage{Limits: limits, Quota: agg.Quota, Rate: agg.Rate}, nil
}

// Apply runs op with a Handle bound to limits and returns op's error
// unchanged. Apply never calls Start or Stop itself: an asynchronous
// transfer may legitimately keep the handle after op returns.
func (s *Service) Apply(ctx context.Context, limits Limits, op Operation) error {
	return op(ctx, newHandle(s.tracker, limits))
}

// WithQuota admits a download for key and runs op. Nothing runs when the
// limits cannot be resolved or a ceiling is reached.
func (s *Service) WithQuota(ctx context.Context, key Key, op Operation) error {
	limits, err := s.CacheUserQuota(ctx, key)
	if err != nil {
		return err
	}
	if _, err := s.GetUserQuotaAndRate(ctx, limits); err != nil {
		return err
	}
	return s.Apply(ctx, limits, op)
}

// WithQuotaResult is WithQuota for operations producing a value.
func WithQuotaResult[T any](ctx context.Context, s *Service, key Key, op func(ctx context.Context, h *Handle) (T, error)) (T, error) {
	var out T
	err := s.WithQuota(ctx, key, func(ctx context.Context, h *Handle) error {
		var err error
		out, err = op(ctx, h)
		return err
	})
	return out, err
}

// GetDefaultLimits returns the stored defaults of tenant.
func (s *Service) GetDefaultLimits(ctx context.Context, tenant string) (DefaultLimits, error) {
	d, err := s.store.GetDefaultLimits(ctx, tenant)
	if errors.Is(err, ErrDefaultsNotFound) {
		return s.defaultsFor(ctx, tenant)
	}
	if err != nil {
		return DefaultLimits{}, unavailable("get default limits", err)
	}
	return d, nil
}

// ChangeDefaultLimits replaces the defaults applied to users seen for the
// first time. Existing limits are not touched.
func (s *Service) ChangeDefaultLimits(ctx context.Context, tenant string, maxQuota, rateLimit int64) (DefaultLimits, error) {
	if maxQuota < Unlimited || rateLimit < Unlimited {
		return DefaultLimits{}, fmt.Errorf("%w: max quota %d, rate limit %d", ErrInvalidLimits, maxQuota, rateLimit)
	}
	d, err := s.store.SaveDefaultLimits(ctx, DefaultLimits{Tenant: tenant, MaxQuota: maxQuota, RateLimit: rateLimit})
	if err != nil {
		return DefaultLimits{}, unavailable("change default limits", err)
	}
	s.publishDefaults(d)
	return d, nil
}

// UpsertLimits stores the limits of a user and refreshes the cached copy.
func (s *Service) UpsertLimits(ctx context.Context, limits Limits) (Limits, error) {
	if err := validateLimits(limits.User, limits.MaxQuota, limits.RateLimit); err != nil {
		return Limits{}, err
	}
	saved, err := s.store.SaveLimits(ctx, limits)
	if err != nil {
		return Limits{}, unavailable("save limits", err)
	}
	s.limits.Set(saved.Key(), saved)
	return saved, nil
}

// GetLimits returns the limits of key, creating defaults on first use.
func (s *Service) GetLimits(ctx context.Context, key Key) (Limits, error) {
	return s.CacheUserQuota(ctx, key)
}

// GetLimitsMany returns the limits of several users of a tenant.
func (s *Service) GetLimitsMany(ctx context.Context, tenant string, users []string) (map[string]Limits, error) {
	out := make(map[string]Limits, len(users))
	for _, user := range users {
		l, err := s.CacheUserQuota(ctx, NewKey(tenant, user))
		if err != nil {
			return nil, fmt.Errorf("limits of %s: %w", user, err)
		}
		out[user] = l
	}
	return out, nil
}

// CurrentQuotas returns a user's limits next to the live totals.
func (s *Service) CurrentQuotas(ctx context.Context, key Key) (UserCurrentQuotas, error) {
	l, err := s.CacheUserQuota(ctx, key)
	if err != nil {
		return UserCurrentQuotas{}, err
	}
	agg, err := s.tracker.Get(ctx, key)
	if err != nil {
		return UserCurrentQuotas{}, err
	}
	return UserCurrentQuotas{
		User:         key.User,
		MaxQuota:     l.MaxQuota,
		RateLimit:    l.RateLimit,
		CurrentQuota: agg.Quota,
		CurrentRate:  agg.Rate,
	}, nil
}

// CurrentQuotasMany is CurrentQuotas for several users, in input order.
func (s *Service) CurrentQuotasMany(ctx context.Context, tenant string, users []string) ([]UserCurrentQuotas, error) {
	out := make([]UserCurrentQuotas, 0, len(users))
	for _, user := range users {
		q, err := s.CurrentQuotas(ctx, NewKey(tenant, user))
		if err != nil {
			return nil, fmt.Errorf("current quotas of %s: %w", user, err)
		}
		out = append(out, q)
	}
	return out, nil
}

// RemoveQuotaFor forgets deleted users locally, then deletes their limits
// and counters. Every user is attempted; the errors are joined.
//
// The local entry goes first: Evict waits for a running sync, so no sync
// can write the user's rows back after they are deleted.
func (s *Service) RemoveQuotaFor(ctx context.Context, tenant string, users []string) error {
	var errs []error
	for _, user := range users {
		key := NewKey(tenant, user)
		s.tracker.Evict(key)
		s.limits.Delete(key)
		if err := s.store.DeleteLimits(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove quota of %s: %w", user, err))
		}
	}
	return errors.Join(errs...)
}
