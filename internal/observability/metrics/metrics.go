// Package metrics exposes OpenTelemetry instruments for claim outcomes,
// reputation feedback, settlement results and HTTP traffic. A nil *Recorder
// is valid and records nothing.
package metrics

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "spectre/market"

// Recorder groups the instruments used across the service.
type Recorder struct {
	claims        metric.Int64Counter
	claimLatency  metric.Float64Histogram
	reputation    metric.Int64Counter
	settlements   metric.Int64Counter
	httpRequests  metric.Int64Counter
	httpLatencyMs metric.Float64Histogram
}

// New builds a Recorder from provider, falling back to the global provider.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	claims, err := meter.Int64Counter(
		"spectre.claims.total",
		metric.WithDescription("Claim attempts by outcome code"),
	)
	if err != nil {
		return nil, err
	}
	claimLatency, err := meter.Float64Histogram(
		"spectre.claims.latency_ms",
		metric.WithDescription("Time spent inside the claim critical section"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	reputation, err := meter.Int64Counter(
		"spectre.reputation.adjustments",
		metric.WithDescription("Reputation reward/slash events"),
	)
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter(
		"spectre.settlements.total",
		metric.WithDescription("Settlement outcomes by ledger status"),
	)
	if err != nil {
		return nil, err
	}
	httpRequests, err := meter.Int64Counter(
		"spectre.http.requests",
		metric.WithDescription("HTTP requests by handler, method and status"),
	)
	if err != nil {
		return nil, err
	}
	httpLatencyMs, err := meter.Float64Histogram(
		"spectre.http.latency_ms",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		claims:        claims,
		claimLatency:  claimLatency,
		reputation:    reputation,
		settlements:   settlements,
		httpRequests:  httpRequests,
		httpLatencyMs: httpLatencyMs,
	}, nil
}

// RecordClaim records one claim attempt.
func (r *Recorder) RecordClaim(ctx context.Context, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.claims.Add(ctx, 1, attrs)
	r.claimLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// RecordReputation records a reward or slash applied to an agent.
func (r *Recorder) RecordReputation(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.reputation.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSettlement records the final ledger status of a receipt.
func (r *Recorder) RecordSettlement(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(ctx context.Context, handler, method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("method", method),
		attribute.String("code", strconv.Itoa(status)),
	)
	r.httpRequests.Add(ctx, 1, attrs)
	r.httpLatencyMs.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}
