// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug serves the operational endpoints of a zapquota process:
// prometheus metrics, pprof, liveness and readiness.
package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

var (
	ready atomic.Bool

	checksMu sync.RWMutex
	checks   = make(map[string]ReadyCheck)

	globalRegistry = prometheus.NewRegistry()

	handlersMu sync.RWMutex
	handlers   = make(map[string]http.Handler)
)

func SetReady() {
	ready.Store(true)
}

func SetNotReady() {
	ready.Store(false)
}

// AddReadyCheck registers a named dependency check consulted by /ready.
func AddReadyCheck(name string, check ReadyCheck) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// RemoveReadyCheck drops a previously registered check.
func RemoveReadyCheck(name string) {
	checksMu.Lock()
	defer checksMu.Unlock()
	delete(checks, name)
}

// Readiness runs every registered check and returns the failures by name.
// The process is ready when SetReady was called and no check failed.
func Readiness(ctx context.Context) (bool, map[string]string) {
	failures := make(map[string]string)
	if !ready.Load() {
		failures["process"] = "starting"
	}

	checksMu.RLock()
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	checksMu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		checksMu.RLock()
		check := checks[name]
		checksMu.RUnlock()
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return len(failures) == 0, failures
}

// RegisterHandler adds a handler to the muxes built by later GetMux calls.
func RegisterHandler(pattern string, handler http.Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[pattern] = handler
}

func RegisterHandlerFunc(pattern string, handler http.HandlerFunc) {
	RegisterHandler(pattern, handler)
}

// Registry returns the registry exported on /metrics next to the default one.
func Registry() prometheus.Registerer {
	return globalRegistry
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		globalRegistry,
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	mux.Handle("/debug/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/goroutine/", pprof.Handler("goroutine"))
	mux.Handle("/debug/heap/", pprof.Handler("heap"))
	mux.Handle("/debug/mutex/", pprof.Handler("mutex"))
	mux.Handle("/debug/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/trace", http.HandlerFunc(pprof.Trace))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		ok, failures := Readiness(ctx)
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":    ok,
			"failures": failures,
		})
	})

	handlersMu.RLock()
	for pattern, h := range handlers {
		mux.Handle(pattern, h)
	}
	handlersMu.RUnlock()

	return mux
}
