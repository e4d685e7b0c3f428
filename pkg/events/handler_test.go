// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/LeeDigitalWorks/zapquota/pkg/quota"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type removeCall struct {
	tenant string
	users  []string
}

type fakeRemover struct {
	mu    sync.Mutex
	calls []removeCall
	fail  map[string]error
}

func (f *fakeRemover) RemoveQuotaFor(_ context.Context, tenant string, users []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, removeCall{tenant: tenant, users: users})
	return f.fail[tenant]
}

func (f *fakeRemover) Calls() []removeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := append([]removeCall(nil), f.calls...)
	sort.Slice(calls, func(i, j int) bool { return calls[i].tenant < calls[j].tenant })
	return calls
}

func TestHandler_GroupsDeletionsByTenant(t *testing.T) {
	t.Parallel()
	r := &fakeRemover{}
	h := NewHandler(r)

	err := h.HandleBatch(context.Background(), []UserEvent{
		{Tenant: "t1", User: "a@example.com", Action: ActionDeletion},
		{Tenant: "t2", User: "b@example.com", Action: ActionDeletion},
		{Tenant: "t1", User: "c@example.com", Action: ActionCreation},
		{Tenant: "t1", User: "d@example.com", Action: ActionDeletion},
		{Tenant: "t1", User: "a@example.com", Action: ActionDeletion},
		{Tenant: "t1", User: "e@example.com", Action: ActionUpdate},
	})
	require.NoError(t, err)

	assert.Equal(t, []removeCall{
		{tenant: "t1", users: []string{"a@example.com", "d@example.com"}},
		{tenant: "t2", users: []string{"b@example.com"}},
	}, r.Calls())
}

func TestHandler_NoDeletions(t *testing.T) {
	t.Parallel()
	r := &fakeRemover{}
	require.NoError(t, NewHandler(r).HandleBatch(context.Background(), []UserEvent{
		{Tenant: "t1", User: "a@example.com", Action: ActionCreation},
	}))
	assert.Empty(t, r.Calls())
}

func TestHandler_ErrorsDoNotStopOtherTenants(t *testing.T) {
	t.Parallel()
	down := errors.New("store down")
	r := &fakeRemover{fail: map[string]error{"t1": down}}

	err := NewHandler(r).HandleBatch(context.Background(), []UserEvent{
		{Tenant: "t1", User: "a@example.com", Action: ActionDeletion},
		{Tenant: "t2", User: "b@example.com", Action: ActionDeletion},
	})
	require.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "tenant t1")
	assert.Len(t, r.Calls(), 2)
}

func TestHandler_RemovesQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := quota.DefaultConfig()
	cfg.Tenants = []string{"t1"}
	cfg.DefaultMaxQuota = 5
	store := quota.NewMemoryStore()
	svc := quota.NewService(ctx, cfg, store, quota.NewManager(cfg, store))
	t.Cleanup(svc.Stop)
	require.NoError(t, svc.Start(ctx))

	key := quota.NewKey("t1", "alice@example.com")
	_, err := svc.UpsertLimits(ctx, quota.Limits{Tenant: "t1", User: key.User, MaxQuota: 1, RateLimit: 1})
	require.NoError(t, err)

	require.NoError(t, NewHandler(svc).HandleBatch(ctx, []UserEvent{
		{Tenant: "t1", User: key.User, Action: ActionDeletion},
	}))

	_, err = store.FindLimits(ctx, key)
	assert.ErrorIs(t, err, quota.ErrLimitsNotFound)
}
