// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/progate/internal/buildinfo"
	"github.com/autobrr/progate/internal/config"
)

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/progate/config.toml
- Windows: %APPDATA%\progate\config.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configDir == "" {
				configDir = config.GetDefaultConfigDir()
			}

			configPath := configDir
			if !strings.HasSuffix(strings.ToLower(configPath), ".toml") {
				configPath = filepath.Join(configDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration file already exists at: %s\n", configPath)
				fmt.Fprintln(cmd.OutOrStdout(), "Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				if errors.Is(err, os.ErrExist) {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration file already exists at: %s\n", configPath)
					return nil
				}
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created successfully at: %s\n", configPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Set product.productId and polar.organizationId before starting the daemon.")
			return nil
		},
	}

	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func RunVersionCommand() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				data, err := buildinfo.JSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), buildinfo.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output version information as JSON")

	return cmd
}
