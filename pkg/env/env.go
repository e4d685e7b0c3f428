// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"os"
	"sync"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var (
	mu  sync.RWMutex
	cur = fromEnviron()
)

func fromEnviron() string {
	if e := os.Getenv("ZAPQUOTA_ENV"); e != "" {
		return e
	}
	return Local
}

// Load picks up "env" from the loaded configuration. Call after viper is set up.
func Load() string {
	mu.Lock()
	defer mu.Unlock()
	if e := viper.GetString("env"); e != "" {
		cur = e
	}
	return cur
}

// Set overrides the detected environment.
func Set(e string) {
	mu.Lock()
	cur = e
	mu.Unlock()
}

func Get() string {
	mu.RLock()
	defer mu.RUnlock()
	return cur
}

func IsLocal() bool {
	return Get() == Local
}

func IsProduction() bool {
	return Get() == Production
}

func IsTesting() bool {
	return Get() == Testing
}
