// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/progate/internal/api"
	"github.com/autobrr/progate/internal/buildinfo"
	"github.com/autobrr/progate/internal/domain"
	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/metrics"
	"github.com/autobrr/progate/internal/notify"
	"github.com/autobrr/progate/internal/services/checkout"
)

const shutdownTimeout = 15 * time.Second

func RunServeCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the license daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configDir)
		},
	}

	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func serve(ctx context.Context, configDir string) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", buildinfo.Version).
		Str("config", cfg.ConfigDir()).
		Str("product", cfg.Product().DisplayName()).
		Msg("Starting progate")

	if _, generated, err := cfg.EnsureAPIKey(); err != nil {
		return fmt.Errorf("failed to set up api key: %w", err)
	} else if generated {
		log.Info().Str("config", cfg.ConfigDir()).Msg("Generated an API key and saved it as apiKey in config.toml")
	}

	hub := notify.NewHub(cfg.Config.License.HistorySize)
	prompter := checkout.NewHubPrompter(hub)

	notifiers := []license.Notifier{hub}

	var redisPublisher *notify.RedisPublisher
	if cfg.Config.RedisURL != "" {
		client, err := notify.ConnectRedis(ctx, cfg.Config.RedisURL)
		if err != nil {
			log.Error().Err(err).Msg("Redis unavailable, license events will not be mirrored")
		} else {
			defer client.Close()
			redisPublisher = notify.NewRedisPublisher(client, cfg.Config.RedisPrefix)
			notifiers = append(notifiers, redisPublisher)
		}
	}

	// The collector needs the engine and the engine needs the collector as a
	// notifier, so events are routed through a late-bound func.
	var metricsManager *metrics.MetricsManager
	if cfg.Config.MetricsEnabled {
		notifiers = append(notifiers, license.NotifierFunc(func(ev license.Event) {
			if metricsManager != nil {
				metricsManager.LicenseCollector().Notify(ev)
			}
		}))
	}

	a, err := newApp(cfg, appOptions{prompter: prompter, notifiers: notifiers})
	if err != nil {
		return err
	}
	prompter.SetStateSource(a.engine)

	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewMetricsManager(a.engine, a.db)
	}

	cfg.OnReload(func(next *domain.Config) {
		if next.Product != cfg.Config.Product || next.License != cfg.Config.License || next.Polar != cfg.Config.Polar {
			log.Warn().Msg("License settings changed, restart progate to apply them")
		}
	})
	cfg.Watch()
	defer cfg.StopWatching()

	if err := a.engine.Start(ctx); err != nil {
		a.Close()
		return err
	}

	apiServer := api.NewServer(&api.Dependencies{
		Config:    cfg,
		Engine:    a.engine,
		Licensing: a.licensing,
		History:   a.events,
		Hub:       hub,
	})

	var metricsServer *metrics.Server
	if metricsManager != nil {
		metricsServer = metrics.NewMetricsServer(metricsManager,
			cfg.Config.MetricsHost, cfg.Config.MetricsPort, cfg.Config.MetricsBasicAuthUsers)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(apiServer.ListenAndServe)

	if metricsServer != nil {
		g.Go(metricsServer.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()

		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown failed")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Metrics server shutdown failed")
			}
		}
		return nil
	})

	err = g.Wait()

	a.Close()
	if redisPublisher != nil {
		if cerr := redisPublisher.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to flush redis publisher")
		}
	}

	log.Info().Msg("Shutdown complete")

	return err
}
