// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter batches quota violation messages per user and sends
// them as one notification per user and flush interval.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/notify"
	"github.com/LeeDigitalWorks/zapquota/pkg/quota"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Title of every violation notification.
const Title = "Download quota exceeded"

// Batch is the pending messages of one user. Values stored in a tenant map
// are never modified.
type Batch struct {
	Messages []string
	Overflow int64
}

type batches = map[string]Batch

type tenantErrors struct {
	name    string
	pending atomic.Pointer[batches]
	started atomic.Bool
}

func newTenantErrors(name string) *tenantErrors {
	te := &tenantErrors{name: name}
	empty := make(batches)
	te.pending.Store(&empty)
	return te
}

// Reporter collects quota violation messages. Report never blocks; sending
// happens on a per-tenant flush loop.
type Reporter struct {
	cfg      Config
	notifier notify.Notifier
	now      func() time.Time

	tenants atomic.Pointer[map[string]*tenantErrors]

	lifecycleMu sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Reporter sending through notifier.
func New(cfg Config, notifier notify.Notifier) *Reporter {
	cfg.Validate()
	r := &Reporter{cfg: cfg, notifier: notifier, now: time.Now}
	empty := make(map[string]*tenantErrors)
	r.tenants.Store(&empty)
	for _, t := range cfg.Tenants {
		r.tenant(t)
	}
	return r
}

func (r *Reporter) tenant(name string) *tenantErrors {
	for {
		cur := r.tenants.Load()
		if te, ok := (*cur)[name]; ok {
			return te
		}
		te := newTenantErrors(name)
		next := maps.Clone(*cur)
		next[name] = te
		if r.tenants.CompareAndSwap(cur, &next) {
			r.lifecycleMu.Lock()
			if r.running {
				r.runTenant(te)
			}
			r.lifecycleMu.Unlock()
			return te
		}
	}
}

// Report records a violation for user. message is called at most once, and
// only when the message will be kept verbatim.
func (r *Reporter) Report(tenant, user string, message func() string) {
	te := r.tenant(tenant)

	var (
		msg       string
		evaluated bool
	)
	for {
		cur := te.pending.Load()
		b := (*cur)[user]

		var nb Batch
		if len(b.Messages) < r.cfg.EllipsisThreshold {
			if !evaluated {
				msg = message()
				evaluated = true
			}
			nb = Batch{Messages: append(slices.Clip(b.Messages), msg), Overflow: b.Overflow}
		} else {
			nb = Batch{Messages: b.Messages, Overflow: b.Overflow + 1}
		}

		next := maps.Clone(*cur)
		next[user] = nb
		if te.pending.CompareAndSwap(cur, &next) {
			kept := "message"
			if nb.Overflow != b.Overflow {
				kept = "overflow"
			}
			reportedTotal.WithLabelValues(tenant, kept).Inc()
			return
		}
	}
}

// ReportRejection reports err for key when it is a limit rejection and
// tells whether it did. Other errors are left to the caller.
func (r *Reporter) ReportRejection(key quota.Key, err error) bool {
	if !quota.IsLimitExceeded(err) {
		return false
	}
	r.Report(key.Tenant, key.User, err.Error)
	return true
}

// Pending returns the batches waiting for the next flush of tenant.
func (r *Reporter) Pending(tenant string) map[string]Batch {
	te, ok := (*r.tenants.Load())[tenant]
	if !ok {
		return nil
	}
	return maps.Clone(*te.pending.Load())
}

// NotifyErrorsBatch takes every pending batch of tenant and sends one
// notification per user. Reports arriving meanwhile go to the next flush.
// A batch whose send fails is dropped.
func (r *Reporter) NotifyErrorsBatch(ctx context.Context, tenant string) error {
	te, ok := (*r.tenants.Load())[tenant]
	if !ok {
		return nil
	}
	empty := make(batches)
	taken := *te.pending.Swap(&empty)
	pendingUsers.WithLabelValues(tenant).Set(float64(len(taken)))
	if len(taken) == 0 {
		return nil
	}

	var errs []error
	for _, user := range slices.Sorted(maps.Keys(taken)) {
		b := taken[user]
		if err := r.NotifyUserErrors(ctx, tenant, user, b.Messages, b.Overflow); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyUserErrors sends one notification to user listing messages, plus a
// count of the messages that were left out.
func (r *Reporter) NotifyUserErrors(ctx context.Context, tenant, user string, messages []string, overflow int64) error {
	body := strings.Join(messages, "\n")
	if overflow > 0 {
		if body != "" {
			body += "\n"
		}
		body += fmt.Sprintf("+%s more errors", humanize.Comma(overflow))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	err := r.notifier.Send(ctx, notify.Notification{
		Tenant:    tenant,
		Recipient: user,
		Title:     Title,
		Body:      body,
		Level:     notify.LevelWarning,
		Time:      r.now(),
	})
	if err != nil {
		notificationsTotal.WithLabelValues(tenant, "failed").Inc()
		return fmt.Errorf("notify %s: %w", user, err)
	}
	notificationsTotal.WithLabelValues(tenant, "sent").Inc()
	return nil
}

// Start runs a flush loop for every tenant, current and future.
func (r *Reporter) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	for _, te := range *r.tenants.Load() {
		r.runTenant(te)
	}
	log.Info().
		Dur("flush_interval", r.cfg.FlushInterval).
		Int("ellipsis_threshold", r.cfg.EllipsisThreshold).
		Str("notifier", r.notifier.Name()).
		Msg("quota reporter started")
}

// Stop ends the flush loops and sends what is still pending.
func (r *Reporter) Stop() {
	r.lifecycleMu.Lock()
	if !r.running {
		r.lifecycleMu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.lifecycleMu.Unlock()
	r.wg.Wait()

	for _, te := range *r.tenants.Load() {
		te.started.Store(false)
		if err := r.NotifyErrorsBatch(context.Background(), te.name); err != nil {
			log.Warn().Err(err).Str("tenant", te.name).Msg("final quota notification flush failed")
		}
	}
}

// runTenant must be called with lifecycleMu held.
func (r *Reporter) runTenant(te *tenantErrors) {
	if !te.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.flushLoop(te.name)
}

func (r *Reporter) flushLoop(tenant string) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.NotifyErrorsBatch(r.ctx, tenant); err != nil {
				log.Warn().Err(err).Str("tenant", tenant).Msg("quota notifications not delivered")
			}
		}
	}
}
