// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const expiryJitter = 0.1

// Tracker is the part of Manager the download path depends on.
type Tracker interface {
	Get(ctx context.Context, key Key) (Aggregate, error)
	Increment(key Key) error
	Decrement(key Key) error
	Evict(key Key)
}

var _ Tracker = (*Manager)(nil)

// evictedDiffs marks an entry removed from its tenant map. Writers that
// observe it must not publish into the entry.
var evictedDiffs = &UserDiffs{}

// counterEntry is the local state of one key. diffs always points to an
// immutable UserDiffs and is only replaced by compare-and-swap.
type counterEntry struct {
	diffs      atomic.Pointer[UserDiffs]
	lastAccess atomic.Int64
	// inflight counts this instance's started and not yet stopped
	// transfers. Entries with inflight transfers are never evicted.
	inflight atomic.Int64
}

func newCounterEntry(seed UserDiffs, now time.Time) *counterEntry {
	e := &counterEntry{}
	e.diffs.Store(&seed)
	e.lastAccess.Store(now.UnixNano())
	return e
}

// apply adds d to the entry's diffs. It returns false if the entry was evicted.
func (e *counterEntry) apply(d Diff) bool {
	for {
		cur := e.diffs.Load()
		if cur == evictedDiffs {
			return false
		}
		next := *cur
		next.QuotaDiff += d.Quota
		next.RateDiff += d.Rate
		if e.diffs.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// snapshot folds the pending diff into lastKnown and returns it. The total
// seen by readers does not change; mutations racing with the fold land in
// the new diff.
func (e *counterEntry) snapshot() (Diff, bool) {
	for {
		cur := e.diffs.Load()
		if cur == evictedDiffs {
			return Diff{}, false
		}
		next := UserDiffs{
			LastQuota: cur.LastQuota + cur.QuotaDiff,
			LastRate:  cur.LastRate + cur.RateDiff,
		}
		if e.diffs.CompareAndSwap(cur, &next) {
			return cur.Pending(), true
		}
	}
}

// refresh replaces lastKnown with a fresh aggregate, keeping the diffs
// accumulated since the snapshot.
func (e *counterEntry) refresh(agg Aggregate) {
	for {
		cur := e.diffs.Load()
		if cur == evictedDiffs {
			return
		}
		next := UserDiffs{
			LastQuota: agg.Quota,
			QuotaDiff: cur.QuotaDiff,
			LastRate:  agg.Rate,
			RateDiff:  cur.RateDiff,
		}
		if e.diffs.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// release lowers inflight, never below zero. A Decrement with no matching
// Increment on this instance still lowers the gauge.
func (e *counterEntry) release() {
	for {
		n := e.inflight.Load()
		if n <= 0 || e.inflight.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// tryEvict retires an idle entry holding no local changes.
func (e *counterEntry) tryEvict() bool {
	cur := e.diffs.Load()
	if cur == evictedDiffs || !cur.Pending().IsZero() || e.inflight.Load() != 0 {
		return false
	}
	return e.diffs.CompareAndSwap(cur, evictedDiffs)
}

type tenantState struct {
	name    string
	entries atomic.Pointer[map[Key]*counterEntry]
	started atomic.Bool

	// syncMu serializes syncs of this tenant. pending is only touched by
	// the sync path.
	syncMu  sync.Mutex
	pending map[Key]Diff
}

func newTenantState(name string) *tenantState {
	ts := &tenantState{name: name, pending: make(map[Key]Diff)}
	empty := make(map[Key]*counterEntry)
	ts.entries.Store(&empty)
	return ts
}

func (ts *tenantState) load(key Key) (*counterEntry, bool) {
	e, ok := (*ts.entries.Load())[key]
	if !ok || e.diffs.Load() == evictedDiffs {
		return nil, false
	}
	return e, true
}

// loadOrStore publishes e unless a live entry already exists for key.
func (ts *tenantState) loadOrStore(key Key, e *counterEntry) *counterEntry {
	for {
		cur := ts.entries.Load()
		if existing, ok := (*cur)[key]; ok && existing.diffs.Load() != evictedDiffs {
			return existing
		}
		next := maps.Clone(*cur)
		next[key] = e
		if ts.entries.CompareAndSwap(cur, &next) {
			return e
		}
	}
}

// remove unpublishes e if it is still the entry for key.
func (ts *tenantState) remove(key Key, e *counterEntry) {
	for {
		cur := ts.entries.Load()
		if existing, ok := (*cur)[key]; !ok || existing != e {
			return
		}
		next := maps.Clone(*cur)
		delete(next, key)
		if ts.entries.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Manager keeps, per tenant and user, the last known cross-instance totals
// plus the local changes not synced yet.
//
// Get, Increment and Decrement never block each other; Get performs store
// I/O only on the first access to a key. A per-tenant ticker pushes local
// changes to the store and refreshes the totals; diffs that fail to persist
// are kept and retried on the next tick.
type Manager struct {
	cfg        Config
	store      Store
	instanceID string
	now        func() time.Time

	tenants atomic.Pointer[map[string]*tenantState]

	lifecycleMu sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInstanceID overrides the random instance ID.
func WithInstanceID(id string) ManagerOption {
	return func(m *Manager) {
		m.instanceID = id
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager. Call Start to run the background loops.
func NewManager(cfg Config, store Store, opts ...ManagerOption) *Manager {
	cfg.Validate()
	m := &Manager{
		cfg:        cfg,
		store:      store,
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	empty := make(map[string]*tenantState)
	m.tenants.Store(&empty)
	for _, t := range cfg.Tenants {
		m.tenant(t)
	}
	return m
}

// InstanceID identifies this process's rows in the store.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

func (m *Manager) tenant(name string) *tenantState {
	for {
		cur := m.tenants.Load()
		if ts, ok := (*cur)[name]; ok {
			return ts
		}
		ts := newTenantState(name)
		next := maps.Clone(*cur)
		next[name] = ts
		if m.tenants.CompareAndSwap(cur, &next) {
			m.lifecycleMu.Lock()
			if m.running {
				m.runTenant(ts)
			}
			m.lifecycleMu.Unlock()
			return ts
		}
	}
}

func (m *Manager) lookupTenant(name string) (*tenantState, bool) {
	ts, ok := (*m.tenants.Load())[name]
	return ts, ok
}

// Tenants returns the tenants known to this manager.
func (m *Manager) Tenants() []string {
	cur := *m.tenants.Load()
	names := make([]string, 0, len(cur))
	for name := range cur {
		names = append(names, name)
	}
	return names
}

// Get returns the current totals for key. The first call for a key
// registers this instance's rows and loads the totals from the store.
func (m *Manager) Get(ctx context.Context, key Key) (Aggregate, error) {
	ts := m.tenant(key.Tenant)
	if e, ok := ts.load(key); ok {
		e.lastAccess.Store(m.now().UnixNano())
		return e.diffs.Load().Current(), nil
	}

	if _, err := m.store.UpsertOrCombine(ctx, m.instanceID, key, Diff{}, m.rateExpiry()); err != nil {
		return Aggregate{}, unavailable("register counters", err)
	}
	agg, err := m.store.SumAcrossInstances(ctx, key)
	if err != nil {
		return Aggregate{}, unavailable("load counters", err)
	}

	e := ts.loadOrStore(key, newCounterEntry(UserDiffs{LastQuota: agg.Quota, LastRate: agg.Rate}, m.now()))
	e.lastAccess.Store(m.now().UnixNano())
	return e.diffs.Load().Current(), nil
}

// Increment records a started download: +1 quota, +1 rate.
func (m *Manager) Increment(key Key) error {
	e, err := m.entry(key)
	if err != nil {
		return err
	}
	if !e.apply(Diff{Quota: 1, Rate: 1}) {
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	e.inflight.Add(1)
	return nil
}

// Decrement records a finished download: -1 rate. Quota is never given back.
func (m *Manager) Decrement(key Key) error {
	e, err := m.entry(key)
	if err != nil {
		return err
	}
	if !e.apply(Diff{Rate: -1}) {
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	e.release()
	return nil
}

func (m *Manager) entry(key Key) (*counterEntry, error) {
	ts, ok := m.lookupTenant(key.Tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	e, ok := ts.load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	e.lastAccess.Store(m.now().UnixNano())
	return e, nil
}

// Evict drops every local trace of key, unsynced diffs included. It is
// used when the user is deleted.
func (m *Manager) Evict(key Key) {
	ts, ok := m.lookupTenant(key.Tenant)
	if !ok {
		return
	}
	if e, ok := (*ts.entries.Load())[key]; ok {
		e.diffs.Store(evictedDiffs)
		ts.remove(key, e)
	}
	ts.syncMu.Lock()
	delete(ts.pending, key)
	ts.syncMu.Unlock()
}

// Snapshot returns the local view of key without touching the store.
func (m *Manager) Snapshot(key Key) (UserDiffs, bool) {
	ts, ok := m.lookupTenant(key.Tenant)
	if !ok {
		return UserDiffs{}, false
	}
	e, ok := ts.load(key)
	if !ok {
		return UserDiffs{}, false
	}
	return *e.diffs.Load(), true
}

// Pending returns a copy of the diffs of tenant waiting for a retry.
func (m *Manager) Pending(tenant string) map[Key]Diff {
	ts, ok := m.lookupTenant(tenant)
	if !ok {
		return nil
	}
	ts.syncMu.Lock()
	defer ts.syncMu.Unlock()
	return maps.Clone(ts.pending)
}

func (m *Manager) rateExpiry() time.Time {
	return m.now().Add(m.cfg.RateRowTTL)
}

// SyncError reports the keys of a sync whose diffs were not persisted.
type SyncError struct {
	Tenant string
	Failed map[Key]error
	Total  int
}

func (e *SyncError) Error() string {
	var first error
	for _, err := range e.Failed {
		first = err
		break
	}
	return fmt.Sprintf("sync tenant %s: %d of %d keys failed: %v", e.Tenant, len(e.Failed), e.Total, first)
}

// Unwrap exposes the per-key errors to errors.Is and errors.As.
func (e *SyncError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// SyncGauges pushes the local diffs of every cached key of tenant, plus the
// diffs of earlier failed syncs, and refreshes the totals from the store.
// Keys that fail keep their diffs for the next call. Live totals seen by
// Get are unchanged by a failure.
func (m *Manager) SyncGauges(ctx context.Context, tenant string) error {
	ts, ok := m.lookupTenant(tenant)
	if !ok {
		return nil
	}

	ts.syncMu.Lock()
	defer ts.syncMu.Unlock()

	start := m.now()
	entries := *ts.entries.Load()

	batch := make(map[Key]Diff, len(entries)+len(ts.pending))
	for key, e := range entries {
		d, ok := e.snapshot()
		if !ok {
			continue
		}
		batch[key] = d
	}
	for key, d := range ts.pending {
		batch[key] = batch[key].Add(d)
	}

	fresh, failed := m.FlushSyncAndRefreshQuotas(ctx, batch)

	for key, d := range batch {
		if _, bad := failed[key]; bad {
			ts.pending[key] = d
			continue
		}
		delete(ts.pending, key)
		if agg, ok := fresh[key]; ok {
			if e, ok := entries[key]; ok {
				e.refresh(agg)
			}
		}
	}

	m.evictIdle(ts)

	cachedKeys.WithLabelValues(tenant).Set(float64(len(*ts.entries.Load())))
	pendingKeys.WithLabelValues(tenant).Set(float64(len(ts.pending)))
	syncDuration.WithLabelValues(tenant).Observe(m.now().Sub(start).Seconds())

	if len(failed) > 0 {
		syncFailuresTotal.WithLabelValues(tenant).Add(float64(len(failed)))
		return &SyncError{Tenant: tenant, Failed: failed, Total: len(batch)}
	}
	return nil
}

// evictIdle retires entries not accessed within CacheIdleTTL that hold no
// local changes. Must be called with syncMu held.
func (m *Manager) evictIdle(ts *tenantState) {
	cutoff := m.now().Add(-m.cfg.CacheIdleTTL).UnixNano()
	for key, e := range *ts.entries.Load() {
		if e.lastAccess.Load() >= cutoff {
			continue
		}
		if _, waiting := ts.pending[key]; waiting {
			continue
		}
		if e.tryEvict() {
			ts.remove(key, e)
		}
	}
}

// FlushSyncAndRefreshQuotas combines every diff into this instance's rows,
// pushing the gauge row expiry forward, and reads back the cross-instance
// totals. fresh holds the totals of keys fully refreshed. failed holds the
// keys whose diffs were not written; a key absent from both was written but
// could not be read back.
func (m *Manager) FlushSyncAndRefreshQuotas(ctx context.Context, diffs map[Key]Diff) (fresh map[Key]Aggregate, failed map[Key]error) {
	fresh = make(map[Key]Aggregate, len(diffs))
	failed = make(map[Key]error)
	expiresAt := m.rateExpiry()

	for key, d := range diffs {
		if err := ctx.Err(); err != nil {
			failed[key] = err
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
		_, err := m.store.UpsertOrCombine(opCtx, m.instanceID, key, d, expiresAt)
		if err != nil {
			cancel()
			failed[key] = err
			continue
		}
		agg, err := m.store.SumAcrossInstances(opCtx, key)
		cancel()
		if err != nil {
			log.Warn().Err(err).
				Str("tenant", key.Tenant).
				Str("user", key.User).
				Msg("quota diff persisted but totals could not be refreshed")
			continue
		}
		fresh[key] = agg
	}
	return fresh, failed
}

// PurgeExpiredRates deletes the gauge rows of tenant whose owner stopped
// refreshing them.
func (m *Manager) PurgeExpiredRates(ctx context.Context, tenant string) (int64, error) {
	n, err := m.store.DeleteExpiredRates(ctx, tenant, m.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired rates of %s: %w", tenant, err)
	}
	if n > 0 {
		expiredRatesTotal.WithLabelValues(tenant).Add(float64(n))
	}
	return n, nil
}

// Start runs the gauge sync and rate expiry loops of every tenant, current
// and future.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	for _, ts := range *m.tenants.Load() {
		m.runTenant(ts)
	}

	log.Info().
		Str("instance_id", m.instanceID).
		Dur("gauge_sync_interval", m.cfg.GaugeSyncInterval).
		Dur("rate_expiry_interval", m.cfg.RateExpiryInterval).
		Dur("rate_row_ttl", m.cfg.RateRowTTL).
		Msg("quota manager started")
}

// Stop ends the loops and runs a last sync of every tenant so local
// changes are not lost on an orderly shutdown.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	if !m.running {
		m.lifecycleMu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.lifecycleMu.Unlock()
	m.wg.Wait()

	for _, ts := range *m.tenants.Load() {
		ts.started.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
		if err := m.SyncGauges(ctx, ts.name); err != nil {
			log.Error().Err(err).Str("tenant", ts.name).Msg("final quota sync failed")
		}
		cancel()
	}
	log.Info().Str("instance_id", m.instanceID).Msg("quota manager stopped")
}

// runTenant must be called with lifecycleMu held.
func (m *Manager) runTenant(ts *tenantState) {
	if !ts.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(2)
	go m.syncLoop(ts.name)
	go m.expiryLoop(ts.name)
}

func (m *Manager) syncLoop(tenant string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.GaugeSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			err := m.SyncGauges(m.ctx, tenant)
			var syncErr *SyncError
			switch {
			case err == nil:
			case errors.As(err, &syncErr):
				log.Error().Err(err).
					Str("tenant", tenant).
					Int("failed", len(syncErr.Failed)).
					Int("keys", syncErr.Total).
					Msg("quota sync failed, diffs kept for retry")
			default:
				log.Error().Err(err).Str("tenant", tenant).Msg("quota sync failed")
			}
		}
	}
}

func (m *Manager) expiryLoop(tenant string) {
	defer m.wg.Done()

	// instances sweep the same rows, spread them out
	ticks, stop := utils.JitteredTicker(m.cfg.RateExpiryInterval, expiryJitter)
	defer stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticks:
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.StoreTimeout)
			n, err := m.PurgeExpiredRates(ctx, tenant)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("tenant", tenant).Msg("rate expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Str("tenant", tenant).Int64("rows", n).Msg("expired rate rows removed")
			}
		}
	}
}
