// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action is what happened to a user account.
type Action string

const (
	ActionCreation Action = "CREATION"
	ActionUpdate   Action = "UPDATE"
	ActionDeletion Action = "DELETION"
)

// UserEvent announces a change to a user account of a tenant.
type UserEvent struct {
	Tenant string    `json:"tenant"`
	User   string    `json:"email"`
	Action Action    `json:"action"`
	Time   time.Time `json:"time,omitzero"`
}

var ErrInvalidEvent = errors.New("events: invalid user event")

// Decode parses and checks a JSON encoded UserEvent.
func Decode(data []byte) (UserEvent, error) {
	var ev UserEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return UserEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if ev.Tenant == "" || ev.User == "" {
		return UserEvent{}, fmt.Errorf("%w: tenant and email are required", ErrInvalidEvent)
	}
	switch ev.Action {
	case ActionCreation, ActionUpdate, ActionDeletion:
	default:
		return UserEvent{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, ev.Action)
	}
	return ev, nil
}
