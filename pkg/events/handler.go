// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
)

// Remover deletes the quota state of users of a tenant.
type Remover interface {
	RemoveQuotaFor(ctx context.Context, tenant string, users []string) error
}

// Handler applies batches of user events.
type Handler struct {
	remover Remover
}

func NewHandler(remover Remover) *Handler {
	return &Handler{remover: remover}
}

// HandleBatch removes the quota of every deleted user in events, one call
// per tenant. Creations and updates need no action: limits are created on
// a user's first download.
func (h *Handler) HandleBatch(ctx context.Context, events []UserEvent) error {
	deleted := make(map[string][]string)
	for _, ev := range events {
		if ev.Action != ActionDeletion {
			continue
		}
		if !slices.Contains(deleted[ev.Tenant], ev.User) {
			deleted[ev.Tenant] = append(deleted[ev.Tenant], ev.User)
		}
	}

	var errs []error
	for tenant, users := range deleted {
		if err := h.remover.RemoveQuotaFor(ctx, tenant, users); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		UsersRemovedTotal.WithLabelValues(tenant).Add(float64(len(users)))
		logger.Ctx(ctx).Info().
			Str("tenant", tenant).
			Int("users", len(users)).
			Msg("removed download quota of deleted users")
	}

	if err := errors.Join(errs...); err != nil {
		BatchesTotal.WithLabelValues("error").Inc()
		return err
	}
	BatchesTotal.WithLabelValues("ok").Inc()
	return nil
}
