// Copyright © 2026 Genome Research Limited
//
//  This file is part of wmq.
//
//  wmq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wmq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wmq. If not, see <http://www.gnu.org/licenses/>.

package workqueue

// This file contains the prometheus metrics we export.

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	workqueuePrometheusMetrics sync.Once

	elementsQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "elements_queued_total",
			Help:      "Number of elements created by QueueWork() and local splitting.",
		})
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "transitions_total",
			Help:      "Number of element status transitions.",
		},
		[]string{"from", "to"})
	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "conflicts_total",
			Help:      "Number of compare-and-swap updates that lost a race.",
		},
		[]string{"op"})
	reportsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "reports_rejected_total",
			Help:      "Number of child status reports rejected by Synchronize().",
		},
		[]string{"reason"})
	quarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "quarantined_total",
			Help:      "Number of elements quarantined as orphans.",
		})
	archivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "archived_total",
			Help:      "Number of terminal elements archived by housekeeping.",
		})
	backendRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "backend_retries_total",
			Help:      "Number of backend calls retried after a transient failure.",
		},
		[]string{"op"})
	backendDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "backend_degraded",
			Help:      "1 if the backend could not be reached after retrying, 0 otherwise.",
		})
	elementsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "elements",
			Help:      "Number of elements in each status, as of the last Stats() call.",
		},
		[]string{"status"})
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wmq",
			Subsystem: "workqueue",
			Name:      "cycle_duration_seconds",
			Help:      "Time in seconds taken by each run of a periodic task.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"task"})
)

// registerMetrics registers our metrics with the default prometheus registry,
// once per process.
func registerMetrics() {
	workqueuePrometheusMetrics.Do(func() {
		prometheus.MustRegister(elementsQueuedTotal)
		prometheus.MustRegister(transitionsTotal)
		prometheus.MustRegister(conflictsTotal)
		prometheus.MustRegister(reportsRejectedTotal)
		prometheus.MustRegister(quarantinedTotal)
		prometheus.MustRegister(archivedTotal)
		prometheus.MustRegister(backendRetries)
		prometheus.MustRegister(backendDegraded)
		prometheus.MustRegister(elementsByStatus)
		prometheus.MustRegister(cycleDuration)
	})
}
