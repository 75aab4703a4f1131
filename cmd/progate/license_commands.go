// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/services/checkout"
	"github.com/autobrr/progate/internal/services/licensing"
)

const commandTimeout = 2 * time.Minute

// withEngine loads the config, starts the engine and hands it to fn. The
// engine skips its startup check so fn's own check is the only cycle. Prompts
// use stdin and stderr so stdout stays machine readable.
func withEngine(cmd *cobra.Command, configDir string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{
		prompter: checkout.NewTerminalPrompter(os.Stdin, cmd.ErrOrStderr()),
		oneShot:  true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Start(cmd.Context()); err != nil {
		return err
	}

	return fn(cmd.Context(), a)
}

func printStatus(out io.Writer, product license.Product, state license.State, asJSON bool) error {
	view := license.Describe(state)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(out, "Product:    %s\n", product.DisplayName())
	fmt.Fprintf(out, "Status:     %s\n", view.Status)
	fmt.Fprintf(out, "Pro:        %t\n", view.ProductActivated)
	if view.OnTrial {
		fmt.Fprintf(out, "Trial:      %d days remaining\n", view.TrialDaysRemaining)
	}
	if view.LicenseExpiryDate != nil {
		fmt.Fprintf(out, "Expires:    %s\n", view.LicenseExpiryDate.Format(time.RFC3339))
	}
	if view.LastVerifyDate != nil {
		fmt.Fprintf(out, "Verified:   %s\n", view.LastVerifyDate.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Phase:      %s\n", view.Phase)
	return nil
}

func RunStatusCommand() *cobra.Command {
	var (
		configDir string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current license state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, configDir, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithTimeout(ctx, commandTimeout)
				defer cancel()

				res, err := a.check(ctx, false)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), a.engine.Product(), res.State, asJSON)
			})
		},
	}

	addConfigDirFlag(cmd, &configDir)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")

	return cmd
}

func RunVerifyCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the license against the licensing server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, configDir, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithTimeout(ctx, commandTimeout)
				defer cancel()

				res, err := a.check(ctx, true)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Verification outcome: %s\n", res.Outcome)
				return printStatus(cmd.OutOrStdout(), a.engine.Product(), res.State, false)
			})
		},
	}

	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func RunActivateCommand() *cobra.Command {
	var (
		configDir  string
		licenseKey string
		email      string
	)

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a license key on this machine",
		Long: `Activate a license key on this machine.

The key is read from --key or, when omitted, prompted for without echo.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, configDir, func(ctx context.Context, a *app) error {
				status, err := a.engine.ShowLicenseActivation(ctx, license.ActivationPrefill{
					Email:       email,
					LicenseCode: licenseKey,
				})
				if err != nil {
					return fmt.Errorf("license activation failed: %w", err)
				}

				switch status {
				case license.ActivationActivated:
					fmt.Fprintf(cmd.OutOrStdout(), "License activated for %s\n", a.engine.Product().DisplayName())
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "No license key entered, nothing activated")
				}
				return nil
			})
		},
	}

	addConfigDirFlag(cmd, &configDir)
	cmd.Flags().StringVar(&licenseKey, "key", "", "license key")
	cmd.Flags().StringVar(&email, "email", "", "customer email")

	return cmd
}

func RunCheckoutCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Buy a license through a hosted checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, configDir, func(ctx context.Context, a *app) error {
				state, err := a.engine.ShowCheckout(ctx)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Checkout finished: %s\n", state)
				if state == license.CheckoutPurchased {
					fmt.Fprintln(cmd.OutOrStdout(), "Activate the license key from your receipt with 'progate activate'")
				}
				return nil
			})
		},
	}

	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func RunDeactivateCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Release the license activation of this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, configDir, func(ctx context.Context, a *app) error {
				if err := a.licensing.Deactivate(ctx); err != nil {
					if errors.Is(err, licensing.ErrNoLicenseKey) {
						fmt.Fprintln(cmd.OutOrStdout(), "No license is activated")
						return nil
					}
					return fmt.Errorf("failed to deactivate license: %w", err)
				}

				if _, err := a.check(ctx, true); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), "License deactivated")
				return nil
			})
		},
	}

	addConfigDirFlag(cmd, &configDir)

	return cmd
}
