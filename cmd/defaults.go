// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/LeeDigitalWorks/zapquota/pkg/quota"

	"github.com/spf13/cobra"
)

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Inspect and change the limits given to new users of a tenant",
}

var defaultsGetCmd = &cobra.Command{
	Use:   "get <tenant>",
	Short: "Print the default limits of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, env *adminEnv) error {
			d, err := env.service.GetDefaultLimits(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: max quota %s, rate limit %s\n",
				d.Tenant, formatLimit(d.MaxQuota), formatLimit(d.RateLimit))
			return nil
		})
	},
}

var defaultsSetCmd = &cobra.Command{
	Use:   "set <tenant>",
	Short: "Change the default limits of a tenant. Existing users keep their limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxQuota, _ := cmd.Flags().GetInt64("max_quota")
		rateLimit, _ := cmd.Flags().GetInt64("rate_limit")
		return withService(cmd, func(ctx context.Context, env *adminEnv) error {
			d, err := env.service.ChangeDefaultLimits(ctx, args[0], maxQuota, rateLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s defaults set: max quota %s, rate limit %s\n",
				d.Tenant, formatLimit(d.MaxQuota), formatLimit(d.RateLimit))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(defaultsCmd)
	defaultsCmd.AddCommand(defaultsGetCmd, defaultsSetCmd)

	defaultsSetCmd.Flags().Int64("max_quota", quota.Unlimited, "Max downloads of new users (-1 = unlimited)")
	defaultsSetCmd.Flags().Int64("rate_limit", quota.Unlimited, "Max concurrent downloads of new users (-1 = unlimited)")
}

// adminEnv is what the administrative commands work with.
type adminEnv struct {
	store   quota.Store
	service *quota.Service
}

// withService opens the configured store, builds a service over it and runs
// fn. Nothing is synced from this process: counters are never touched.
func withService(cmd *cobra.Command, fn func(ctx context.Context, env *adminEnv) error) error {
	f := NewFlagLoader(cmd)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, closeStore, err := openStore(ctx, loadStoreOpts(f))
	if err != nil {
		return err
	}
	defer closeStore()

	cfg := loadQuotaDefaults(f)
	manager := quota.NewManager(cfg, store)
	service := quota.NewService(ctx, cfg, store, manager)
	defer service.Stop()

	return fn(ctx, &adminEnv{store: store, service: service})
}
