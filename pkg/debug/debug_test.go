// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package debug

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyEndpoint(t *testing.T) {
	SetNotReady()
	defer SetNotReady()
	mux := GetMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	SetReady()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	AddReadyCheck("store", func(context.Context) error { return errors.New("connection refused") })
	defer RemoveReadyCheck("store")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	GetMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterHandlerFunc(t *testing.T) {
	RegisterHandlerFunc("/debug/quota/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	GetMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/quota/test", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
