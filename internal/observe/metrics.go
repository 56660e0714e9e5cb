// Package observe provides application-wide observability primitives for the
// playtest harness: OpenTelemetry metrics, tracing, and structured logging
// helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that batch runs can still
// be scraped via a standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all harness metrics.
const meterName = "github.com/fablecrit/fablecrit"

// Metrics holds all OpenTelemetry metric instruments for the harness.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ModelCallDuration tracks generative-call latency in seconds. Use with
	// attribute.String("label", ...) and attribute.String("model", ...).
	ModelCallDuration metric.Float64Histogram

	// ModelCalls counts generative calls. Use with attributes "label",
	// "model", and "status" ("ok" or "error").
	ModelCalls metric.Int64Counter

	// TokensUsed counts tokens by attribute "category" and "direction"
	// ("prompt" or "completion").
	TokensUsed metric.Int64Counter

	// TurnDuration tracks full turn-execution latency in seconds.
	TurnDuration metric.Float64Histogram

	// TurnsTotal counts executed turns, attributed by routing "policy".
	TurnsTotal metric.Int64Counter

	// SessionsTotal counts finished sessions, attributed by "outcome".
	SessionsTotal metric.Int64Counter

	// CheckpointWrites counts checkpoint writes, attributed by "status".
	CheckpointWrites metric.Int64Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global OTel meter provider, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics
}

// NewMetrics creates all instruments on the given provider. Instrument
// creation errors are ignored; the OTel SDK returns usable no-op instruments
// alongside them.
func NewMetrics(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter(meterName)

	m := &Metrics{}
	m.ModelCallDuration, _ = meter.Float64Histogram("fablecrit.model_call.duration",
		metric.WithDescription("Generative model call latency"),
		metric.WithUnit("s"))
	m.ModelCalls, _ = meter.Int64Counter("fablecrit.model_calls",
		metric.WithDescription("Number of generative model calls"))
	m.TokensUsed, _ = meter.Int64Counter("fablecrit.tokens_used",
		metric.WithDescription("Token usage by category and direction"))
	m.TurnDuration, _ = meter.Float64Histogram("fablecrit.turn.duration",
		metric.WithDescription("Full turn execution latency"),
		metric.WithUnit("s"))
	m.TurnsTotal, _ = meter.Int64Counter("fablecrit.turns",
		metric.WithDescription("Executed turns by routing policy"))
	m.SessionsTotal, _ = meter.Int64Counter("fablecrit.sessions",
		metric.WithDescription("Finished sessions by outcome"))
	m.CheckpointWrites, _ = meter.Int64Counter("fablecrit.checkpoint_writes",
		metric.WithDescription("Checkpoint writes by status"))
	return m
}

// RecordModelCall records one generative call's latency and status.
func (m *Metrics) RecordModelCall(ctx context.Context, label, model string, seconds float64, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.ModelCalls.Add(ctx, 1, attrs)
	m.ModelCallDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("model", model),
	))
}

// RecordTokens records token usage for a category.
func (m *Metrics) RecordTokens(ctx context.Context, category string, prompt, completion int) {
	if m == nil {
		return
	}
	m.TokensUsed.Add(ctx, int64(prompt), metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("direction", "prompt"),
	))
	m.TokensUsed.Add(ctx, int64(completion), metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("direction", "completion"),
	))
}

// RecordTurn records one executed turn.
func (m *Metrics) RecordTurn(ctx context.Context, policy string, seconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
	m.TurnDuration.Record(ctx, seconds)
}

// RecordSession records one finished session.
func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCheckpointWrite records one checkpoint write attempt.
func (m *Metrics) RecordCheckpointWrite(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.CheckpointWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
