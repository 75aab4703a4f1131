// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/database"
	"github.com/autobrr/progate/internal/metrics/collector"
)

type MetricsManager struct {
	registry         *prometheus.Registry
	licenseCollector *collector.LicenseCollector
}

func NewMetricsManager(source collector.StateSource, db *database.DB) *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	licenseCollector := collector.NewLicenseCollector(source)
	registry.MustRegister(licenseCollector)
	registry.MustRegister(database.NewMetricsCollector(db))

	log.Info().Msg("Metrics manager initialized with collectors")

	return &MetricsManager{
		registry:         registry,
		licenseCollector: licenseCollector,
	}
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// LicenseCollector returns the collector so it can be attached to the engine
// as a notifier.
func (m *MetricsManager) LicenseCollector() *collector.LicenseCollector {
	return m.licenseCollector
}
