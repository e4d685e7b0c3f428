// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the zapquota commands. Configuration comes from
// flags, ZAPQUOTA_* environment variables and the zapquota config file, in
// that order of precedence.
package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader reads configuration values, preferring a flag set on the
// command line over viper's env > config file > default order.
type FlagLoader struct {
	cmd *cobra.Command
}

func NewFlagLoader(cmd *cobra.Command) *FlagLoader {
	return &FlagLoader{cmd: cmd}
}

func (f *FlagLoader) changed(flagName string) bool {
	fl := f.cmd.Flags().Lookup(flagName)
	return fl != nil && fl.Changed
}

func (f *FlagLoader) String(flagName string) string {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetString(flagName)
		return val
	}
	return viper.GetString(flagName)
}

func (f *FlagLoader) Int(flagName string) int {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetInt(flagName)
		return val
	}
	return viper.GetInt(flagName)
}

func (f *FlagLoader) Int64(flagName string) int64 {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetInt64(flagName)
		return val
	}
	return viper.GetInt64(flagName)
}

func (f *FlagLoader) Float64(flagName string) float64 {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetFloat64(flagName)
		return val
	}
	return viper.GetFloat64(flagName)
}

func (f *FlagLoader) Bool(flagName string) bool {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetBool(flagName)
		return val
	}
	return viper.GetBool(flagName)
}

func (f *FlagLoader) Duration(flagName string) time.Duration {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetDuration(flagName)
		return val
	}
	return viper.GetDuration(flagName)
}

func (f *FlagLoader) StringSlice(flagName string) []string {
	if f.changed(flagName) {
		val, _ := f.cmd.Flags().GetStringSlice(flagName)
		return val
	}
	return viper.GetStringSlice(flagName)
}
