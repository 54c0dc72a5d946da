// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the turn pipeline end to end:
//   - Turn counters (by model, delivery status)
//   - Token usage (input/output by model)
//   - Turn latency histograms
//   - Canvas transition counters
//   - Extraction volume
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "quill"

const gatewaySubsystem = "gateway"

// DeliveryStatus labels how a turn completed.
type DeliveryStatus string

const (
	// StatusSuccess means the backend answered and the turn completed.
	StatusSuccess DeliveryStatus = "success"

	// StatusDegraded means the backend failed and apology content was
	// delivered instead.
	StatusDegraded DeliveryStatus = "degraded"

	// StatusError means the turn failed before reaching a backend
	// (validation, unknown model).
	StatusError DeliveryStatus = "error"
)

// CanvasTransition labels a canvas state change.
type CanvasTransition string

const (
	// TransitionNew means a fresh canvas document was opened.
	TransitionNew CanvasTransition = "new"

	// TransitionAppend means content was appended to the active canvas.
	TransitionAppend CanvasTransition = "append"
)

// GatewayMetrics holds all Prometheus metrics for the turn pipeline.
// Initialize once at startup via InitMetrics.
type GatewayMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: model, status (success, degraded, error)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn latency.
	// Labels: model
	TurnDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns prometheus.Gauge

	// CanvasTransitionsTotal counts canvas state changes.
	// Labels: transition (new, append)
	CanvasTransitionsTotal *prometheus.CounterVec

	// ExtractionBytesTotal counts uncompressed bytes extracted from
	// attachments.
	ExtractionBytesTotal prometheus.Counter

	// ProviderRetriesTotal counts extra transport attempts beyond the
	// first, by provider.
	ProviderRetriesTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics.
var DefaultMetrics *GatewayMetrics

// InitMetrics registers all gateway metrics in the default registry and
// installs the singleton. Call once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates the gateway metrics registered against reg.
func NewMetrics(reg prometheus.Registerer) *GatewayMetrics {
	factory := promauto.With(reg)
	return &GatewayMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "turns_total",
				Help:      "Total completed turns by model and delivery status",
			},
			[]string{"model", "status"},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_turns",
				Help:      "Number of turns currently in flight",
			},
		),

		CanvasTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "canvas_transitions_total",
				Help:      "Total canvas state transitions by kind",
			},
			[]string{"transition"},
		),

		ExtractionBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "extraction_bytes_total",
				Help:      "Total uncompressed bytes extracted from attachments",
			},
		),

		ProviderRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "provider_retries_total",
				Help:      "Total transport attempts beyond the first, by provider",
			},
			[]string{"provider"},
		),
	}
}

// RecordTurn records one completed turn.
func (m *GatewayMetrics) RecordTurn(model string, status DeliveryStatus, seconds float64) {
	m.TurnsTotal.WithLabelValues(model, string(status)).Inc()
	m.TurnDurationSeconds.WithLabelValues(model).Observe(seconds)
}

// RecordTokens records token usage for one turn.
func (m *GatewayMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordCanvasTransition records a canvas state change.
func (m *GatewayMetrics) RecordCanvasTransition(t CanvasTransition) {
	m.CanvasTransitionsTotal.WithLabelValues(string(t)).Inc()
}

// TurnStarted increments the in-flight gauge.
func (m *GatewayMetrics) TurnStarted() { m.ActiveTurns.Inc() }

// TurnEnded decrements the in-flight gauge.
func (m *GatewayMetrics) TurnEnded() { m.ActiveTurns.Dec() }

// RecordExtraction records extracted attachment volume.
func (m *GatewayMetrics) RecordExtraction(bytes int64) {
	m.ExtractionBytesTotal.Add(float64(bytes))
}

// RecordRetries records transport attempts beyond the first.
func (m *GatewayMetrics) RecordRetries(provider string, attempts int) {
	if attempts > 1 {
		m.ProviderRetriesTotal.WithLabelValues(provider).Add(float64(attempts - 1))
	}
}
