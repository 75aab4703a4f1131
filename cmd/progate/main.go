// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/progate/internal/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "progate",
		Short: "License state daemon for pro feature gating",
		Long: `progate keeps track of whether pro features are unlocked.

It verifies license activations against Polar, runs the trial clock and
exposes the current license state over HTTP, Prometheus and Redis.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version
	rootCmd.SetVersionTemplate(buildinfo.String())

	rootCmd.AddCommand(
		RunServeCommand(),
		RunStatusCommand(),
		RunVerifyCommand(),
		RunActivateCommand(),
		RunCheckoutCommand(),
		RunDeactivateCommand(),
		RunGenerateConfigCommand(),
		RunVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func addConfigDirFlag(cmd *cobra.Command, configDir *string) {
	cmd.Flags().StringVar(configDir, "config-dir", "",
		"config directory path (default is OS-specific: ~/.config/progate/ or %APPDATA%\\progate\\). For backward compatibility, can also be a direct path to a .toml file")
}
