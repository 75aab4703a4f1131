// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var wedgedTransactionTotal atomic.Uint64

func recordWedgedTransaction() {
	wedgedTransactionTotal.Add(1)
}

type MetricsCollector struct {
	db *DB

	wedgedTransactionDesc *prometheus.Desc
	writesDesc            *prometheus.Desc
}

func NewMetricsCollector(db *DB) *MetricsCollector {
	return &MetricsCollector{
		db: db,
		wedgedTransactionDesc: prometheus.NewDesc(
			"progate_db_wedged_transaction_total",
			"Number of times BeginTx detected a wedged transaction",
			nil,
			nil,
		),
		writesDesc: prometheus.NewDesc(
			"progate_db_writes_total",
			"Number of write statements and transactions issued against the database",
			nil,
			nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.wedgedTransactionDesc
	ch <- c.writesDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.wedgedTransactionDesc,
		prometheus.CounterValue,
		float64(wedgedTransactionTotal.Load()),
	)

	if c.db != nil {
		ch <- prometheus.MustNewConstMetric(
			c.writesDesc,
			prometheus.CounterValue,
			float64(c.db.WriteCount()),
		)
	}
}
