// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Metrics cover the message pipeline (requests, provider attempts,
// fallback replies, dispatch latency), the push registry (live
// connections, evictions), and the history store (save retries). Exposed
// via the /metrics endpoint; all operations are thread-safe through
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all relay metrics.
const metricsNamespace = "aleutian"

// Subsystem for chat relay metrics.
const relaySubsystem = "relay"

// RelayMetrics holds all Prometheus metrics for the chat relay.
type RelayMetrics struct {
	// RequestsTotal counts pipeline operations by kind and outcome.
	// Labels: operation (send, retry), status (succeeded, degraded,
	// silenced, gate_failed)
	RequestsTotal *prometheus.CounterVec

	// ProviderAttemptsTotal counts individual provider attempts.
	// Labels: outcome (success, error, timeout)
	ProviderAttemptsTotal *prometheus.CounterVec

	// FallbackRepliesTotal counts turns answered with the static
	// degraded text.
	FallbackRepliesTotal prometheus.Counter

	// DispatchDurationSeconds measures the full provider dispatch phase.
	// Labels: status (succeeded, degraded)
	DispatchDurationSeconds *prometheus.HistogramVec

	// PushConnections tracks live push connections.
	PushConnections prometheus.Gauge

	// PushEvictionsTotal counts connections closed by the registry.
	// Labels: reason (send_failure, idle, capacity, unsubscribe)
	PushEvictionsTotal *prometheus.CounterVec

	// StoreSaveRetriesTotal counts truncated retries after write-size
	// rejections.
	StoreSaveRetriesTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics().
// Nil when metrics are disabled; callers must nil-check.
var DefaultMetrics *RelayMetrics

// InitMetrics creates and registers all relay metrics. Call once at
// startup; registering twice panics via promauto.
func InitMetrics() *RelayMetrics {
	DefaultMetrics = &RelayMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "requests_total",
				Help:      "Pipeline operations by kind and outcome",
			},
			[]string{"operation", "status"},
		),
		ProviderAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "provider_attempts_total",
				Help:      "Individual upstream provider attempts by outcome",
			},
			[]string{"outcome"},
		),
		FallbackRepliesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "fallback_replies_total",
				Help:      "Turns answered with the static degraded reply",
			},
		),
		DispatchDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of the provider dispatch phase",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"status"},
		),
		PushConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "push_connections",
				Help:      "Live push connections",
			},
		),
		PushEvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "push_evictions_total",
				Help:      "Push connections closed by the registry, by reason",
			},
			[]string{"reason"},
		),
		StoreSaveRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "store_save_retries_total",
				Help:      "History saves retried with a truncated sequence",
			},
		),
	}
	return DefaultMetrics
}
