// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zapquota/pkg/env"
	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
	"github.com/LeeDigitalWorks/zapquota/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "zapquota",
	Short: "ZapQuota - download quota and rate limiting",
	Long: `ZapQuota tracks how many downloads each user of each tenant started and
how many are in flight, and rejects downloads over the configured limits.
Counters are kept locally and synced to a store shared by every instance.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log_format", "", "Log format (json, console). Empty means console when env is local")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log_format"))
}

func initializeLogging(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("zapquota", false)
	f := NewFlagLoader(cmd)
	env.Load()
	switch f.String("log_format") {
	case "console":
		logger.UseConsole()
	case "":
		if env.IsLocal() {
			logger.UseConsole()
		}
	}
	logger.SetLevelString(f.String("log_level"))
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
