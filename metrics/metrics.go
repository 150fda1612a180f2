// Copyright 2026 The chainops Authors
// This file is part of the chainops library.
//
// The chainops library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainops library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainops library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes per-cycle worker counters. The worker_executions
// table stays the authoritative audit log; these exist for dashboards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cycleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainops",
		Name:      "worker_cycles_total",
		Help:      "Worker cycles by outcome.",
	}, []string{"role", "status"})

	cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainops",
		Name:      "worker_cycle_duration_seconds",
		Help:      "Worker cycle duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"role"})

	jobsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainops",
		Name:      "queue_jobs_terminal_total",
		Help:      "Queue jobs reaching a terminal status.",
	}, []string{"kind", "status"})

	depositsCredited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainops",
		Name:      "deposits_credited_total",
		Help:      "Deposits credited to the ledger.",
	})
)

func init() {
	prometheus.MustRegister(cycleTotal, cycleDuration, jobsTerminal, depositsCredited)
}

// ObserveCycle records one worker cycle.
func ObserveCycle(role, status string, d time.Duration) {
	cycleTotal.WithLabelValues(role, status).Inc()
	cycleDuration.WithLabelValues(role).Observe(d.Seconds())
}

// JobTerminal records a job reaching confirmed or failed.
func JobTerminal(kind, status string) {
	jobsTerminal.WithLabelValues(kind, status).Inc()
}

// DepositCredited records one successful ledger credit.
func DepositCredited() {
	depositsCredited.Inc()
}

// Handler returns the scrape handler for the optional metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
