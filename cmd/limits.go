// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/LeeDigitalWorks/zapquota/pkg/quota"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect and change per-user download limits",
}

var limitsGetCmd = &cobra.Command{
	Use:   "get <tenant> <user>...",
	Short: "Print the limits of users, creating them from the tenant defaults when missing",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, env *adminEnv) error {
			limits, err := env.service.GetLimitsMany(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout(), "USER", "MAX QUOTA", "RATE LIMIT")
			for _, user := range args[1:] {
				l := limits[user]
				fmt.Fprintf(w, "%s\t%s\t%s\n", user, formatLimit(l.MaxQuota), formatLimit(l.RateLimit))
			}
			return w.Flush()
		})
	},
}

var limitsSetCmd = &cobra.Command{
	Use:   "set <tenant> <user>",
	Short: "Set the limits of a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxQuota, _ := cmd.Flags().GetInt64("max_quota")
		rateLimit, _ := cmd.Flags().GetInt64("rate_limit")
		return withService(cmd, func(ctx context.Context, env *adminEnv) error {
			l, err := env.service.UpsertLimits(ctx, quota.Limits{
				Tenant:    args[0],
				User:      args[1],
				MaxQuota:  maxQuota,
				RateLimit: rateLimit,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "limits of %s set: max quota %s, rate limit %s\n",
				l.Key(), formatLimit(l.MaxQuota), formatLimit(l.RateLimit))
			return nil
		})
	},
}

var limitsDeleteCmd = &cobra.Command{
	Use:   "delete <tenant> <user>...",
	Short: "Delete the limits and counters of users",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, env *adminEnv) error {
			if err := env.service.RemoveQuotaFor(ctx, args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed quota of %d users\n", len(args)-1)
			return nil
		})
	},
}

var limitsCurrentCmd = &cobra.Command{
	Use:   "current <tenant> <user>...",
	Short: "Print the limits of users next to their totals across instances",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, env *adminEnv) error {
			rows, err := currentQuotas(ctx, env.store, args[0], args[1:])
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout(), "USER", "DOWNLOADS", "MAX QUOTA", "IN FLIGHT", "RATE LIMIT")
			for _, q := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", q.User,
					humanize.Comma(q.CurrentQuota), formatLimit(q.MaxQuota),
					humanize.Comma(q.CurrentRate), formatLimit(q.RateLimit))
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(limitsCmd)
	limitsCmd.AddCommand(limitsGetCmd, limitsSetCmd, limitsDeleteCmd, limitsCurrentCmd)

	limitsSetCmd.Flags().Int64("max_quota", quota.Unlimited, "Max downloads (-1 = unlimited)")
	limitsSetCmd.Flags().Int64("rate_limit", quota.Unlimited, "Max concurrent downloads (-1 = unlimited)")
}

// currentQuotas reads the stored totals without registering this process
// as an instance.
func currentQuotas(ctx context.Context, store quota.Store, tenant string, users []string) ([]quota.UserCurrentQuotas, error) {
	defaults, err := store.GetDefaultLimits(ctx, tenant)
	if err != nil && !errors.Is(err, quota.ErrDefaultsNotFound) {
		return nil, err
	}

	out := make([]quota.UserCurrentQuotas, 0, len(users))
	for _, user := range users {
		key := quota.NewKey(tenant, user)
		l, err := store.FindLimits(ctx, key)
		switch {
		case errors.Is(err, quota.ErrLimitsNotFound):
			l = defaults.For(user)
			if defaults.Tenant == "" {
				l.MaxQuota, l.RateLimit = quota.Unlimited, quota.Unlimited
			}
		case err != nil:
			return nil, fmt.Errorf("limits of %s: %w", user, err)
		}
		agg, err := store.SumAcrossInstances(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("totals of %s: %w", user, err)
		}
		out = append(out, quota.UserCurrentQuotas{
			User:         user,
			MaxQuota:     l.MaxQuota,
			RateLimit:    l.RateLimit,
			CurrentQuota: agg.Quota,
			CurrentRate:  agg.Rate,
		})
	}
	return out, nil
}

func formatLimit(v int64) string {
	if v == quota.Unlimited {
		return "unlimited"
	}
	return humanize.Comma(v)
}

func newTable(out io.Writer, headers ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, h)
	}
	fmt.Fprintln(w)
	return w
}
