// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    UserEvent
		wantErr string
	}{
		{
			name: "deletion",
			data: `{"tenant":"t1","email":"alice@example.com","action":"DELETION"}`,
			want: UserEvent{Tenant: "t1", User: "alice@example.com", Action: ActionDeletion},
		},
		{
			name: "creation",
			data: `{"tenant":"t1","email":"bob@example.com","action":"CREATION"}`,
			want: UserEvent{Tenant: "t1", User: "bob@example.com", Action: ActionCreation},
		},
		{name: "not json", data: `deleted alice`, wantErr: "invalid user event"},
		{name: "missing email", data: `{"tenant":"t1","action":"DELETION"}`, wantErr: "required"},
		{name: "missing tenant", data: `{"email":"a@example.com","action":"DELETION"}`, wantErr: "required"},
		{name: "unknown action", data: `{"tenant":"t1","email":"a@example.com","action":"BANNED"}`, wantErr: `unknown action "BANNED"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode([]byte(tt.data))
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrInvalidEvent)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
