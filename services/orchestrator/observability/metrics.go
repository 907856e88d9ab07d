// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics and OpenTelemetry setup
// for the chat service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace is the Prometheus namespace for all chat metrics.
const metricsNamespace = "aleutian"

// chatSubsystem groups answer-pipeline metrics.
const chatSubsystem = "chat"

// ChatMetrics holds the Prometheus collectors of the answer pipeline.
//
// # Description
//
// Covers request outcomes, relayed fragments, latency to the first fragment,
// stream duration, live streams, errors by code, client disconnects, search
// outcomes, persistence failures, and title renames.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ChatMetrics struct {
	// RequestsTotal counts answer requests by endpoint and outcome.
	RequestsTotal *prometheus.CounterVec

	// FragmentsTotal counts fragments delivered to clients.
	FragmentsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures request start to first byte.
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures the whole answer.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams is the number of answers in flight.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and code.
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts cancelled answers.
	ClientDisconnectsTotal *prometheus.CounterVec

	// SearchTotal counts context fetches by outcome (found, no_context).
	SearchTotal *prometheus.CounterVec

	// PersistenceFailuresTotal counts turns that could not be written.
	PersistenceFailuresTotal *prometheus.CounterVec

	// TitleRenamesTotal counts auto-rename attempts by outcome.
	TitleRenamesTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
// Nil until InitMetrics is called; callers must nil-check.
var DefaultMetrics *ChatMetrics

// InitMetrics registers the collectors with the default Prometheus
// registerer and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice in one process (duplicate registration).
func InitMetrics() *ChatMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics registers the collectors with reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
func NewMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)

	return &ChatMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total answer requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "fragments_total",
				Help:      "Total text fragments delivered to clients",
			},
			[]string{"endpoint"},
		),
		TimeToFirstFragmentSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from request to first delivered fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total answer duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "outcome"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of answers currently streaming",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and code",
			},
			[]string{"endpoint", "error_code"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total answers cancelled by the client",
			},
			[]string{"endpoint"},
		),
		SearchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "search_total",
				Help:      "Total search context fetches by outcome",
			},
			[]string{"outcome"},
		),
		PersistenceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "persistence_failures_total",
				Help:      "Total turns that could not be persisted by role",
			},
			[]string{"role"},
		),
		TitleRenamesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "title_renames_total",
				Help:      "Total automatic title renames by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// =============================================================================
// Label Enums
// =============================================================================

// ErrorCode categorizes errors for metrics.
type ErrorCode string

const (
	ErrorCodeValidation ErrorCode = "validation"
	ErrorCodeNotFound   ErrorCode = "not_found"
	ErrorCodeBlocked    ErrorCode = "blocked"
	ErrorCodeLLMError   ErrorCode = "llm_error"
	ErrorCodeSearch     ErrorCode = "search_error"
	ErrorCodeStorage    ErrorCode = "storage_error"
	ErrorCodeInternal   ErrorCode = "internal"
)

// Endpoint identifies the answer route.
type Endpoint string

const (
	EndpointPlainStream Endpoint = "plain_stream"
	EndpointAgentStream Endpoint = "agent_stream"
)

// Outcome is the terminal state of an answer.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// =============================================================================
// Recording Methods
// =============================================================================

// RecordRequest counts one finished request.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(endpoint), string(outcome)).Inc()
}

// RecordError counts one error.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordFragment counts one delivered fragment.
func (m *ChatMetrics) RecordFragment(endpoint Endpoint) {
	m.FragmentsTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstFragment observes first-byte latency.
func (m *ChatMetrics) RecordTimeToFirstFragment(endpoint Endpoint, seconds float64) {
	m.TimeToFirstFragmentSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration observes the whole answer duration.
func (m *ChatMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, outcome Outcome) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), string(outcome)).Observe(seconds)
}

// RecordClientDisconnect counts one cancelled answer.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordSearch counts one context fetch.
func (m *ChatMetrics) RecordSearch(found bool) {
	outcome := "no_context"
	if found {
		outcome = "found"
	}
	m.SearchTotal.WithLabelValues(outcome).Inc()
}

// RecordPersistenceFailure counts one turn that was not written.
func (m *ChatMetrics) RecordPersistenceFailure(role string) {
	m.PersistenceFailuresTotal.WithLabelValues(role).Inc()
}

// RecordTitleRename counts one auto-rename attempt.
func (m *ChatMetrics) RecordTitleRename(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.TitleRenamesTotal.WithLabelValues(outcome).Inc()
}
