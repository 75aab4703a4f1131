// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/buildinfo"
	"github.com/autobrr/progate/internal/config"
	"github.com/autobrr/progate/internal/database"
	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/polar"
	"github.com/autobrr/progate/internal/services/checkout"
	"github.com/autobrr/progate/internal/services/licensing"
)

// app holds the components shared by every command that talks to the license
// engine.
type app struct {
	cfg       *config.AppConfig
	db        *database.DB
	events    *database.EventRepo
	licensing *licensing.Service
	checkout  *checkout.Service
	history   *licensing.HistoryRecorder
	engine    *license.Engine
}

type appOptions struct {
	prompter  checkout.Prompter
	notifiers []license.Notifier
	// oneShot leaves the first check to the command so it runs only once.
	oneShot   bool
}

func loadConfig(configDir string) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	if err := cfg.ApplyLogConfig(); err != nil {
		return nil, fmt.Errorf("failed to apply log settings: %w", err)
	}
	return cfg, nil
}

func newPolarClient(cfg *config.AppConfig) *polar.Client {
	return polar.NewClient(
		polar.WithOrganizationID(cfg.Config.Polar.OrganizationID),
		polar.WithEnvironment(cfg.Config.Polar.Environment),
		polar.WithBaseURL(cfg.Config.Polar.BaseURL),
		polar.WithRetry(cfg.Config.Polar.RetryAttempts, cfg.Config.Polar.RetryDelay),
		polar.WithUserAgent(buildinfo.UserAgent),
	)
}

// newApp opens the database and builds the engine. The engine is not started.
func newApp(cfg *config.AppConfig, opts appOptions) (*app, error) {
	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	product := cfg.Product()
	client := newPolarClient(cfg)
	if !client.IsClientConfigured() {
		log.Warn().Msg("Polar organization ID is not configured, license verification is unavailable")
	}

	licensingService := licensing.NewService(database.NewLicenseRepo(db), client, licensing.Config{
		Product:   product,
		ConfigDir: cfg.ConfigDir(),
		Version:   buildinfo.Version,
	})

	checkoutService := checkout.NewService(client, licensingService, opts.prompter,
		checkout.WithPollInterval(cfg.Config.License.CheckoutPollInterval),
		checkout.WithTimeout(cfg.Config.License.CheckoutTimeout),
	)

	events := database.NewEventRepo(db)
	history := licensing.NewHistoryRecorder(events)

	engine, err := license.NewEngine(license.Options{
		Product:           product,
		Verifier:          licensingService,
		Checkout:          checkoutService,
		Store:             licensingService,
		Notifier:          license.Notifiers(append([]license.Notifier{history}, opts.notifiers...)...),
		Scheduler:         license.NewScheduler(cfg.Config.License.DebugVerify),
		Policy:            license.Policy{RetryDelay: cfg.Config.License.RetryDelay},
		CheckInterval:     cfg.Config.License.CheckInterval,
		CallTimeout:       cfg.Config.License.CallTimeout,
		DeferInitialCheck: opts.oneShot,
	})
	if err != nil {
		history.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create license engine: %w", err)
	}

	return &app{
		cfg:       cfg,
		db:        db,
		events:    events,
		licensing: licensingService,
		checkout:  checkoutService,
		history:   history,
		engine:    engine,
	}, nil
}

// Close stops the engine before the stores it writes to.
func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to stop license engine")
	}
	a.history.Close()
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

// check runs one license check, waiting out a verification that is already
// running.
func (a *app) check(ctx context.Context, force bool) (license.VerifyResult, error) {
	return license.CheckWhenIdle(ctx, a.engine, force)
}
