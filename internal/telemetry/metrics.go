// ABOUTME: OpenTelemetry instruments for tool dispatch, write denials, auth failures and rate limiting
// ABOUTME: Recorders are nil-safe so callers never guard telemetry calls

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for every fcp-server instrument.
const MeterName = "github.com/fcp-dev/fcp-server"

// Metrics holds the counters and histograms emitted by the server.
type Metrics struct {
	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
	writeDenied  metric.Int64Counter
	authFailures metric.Int64Counter
	rateLimited  metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter.
// A nil meter falls back to the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	toolCalls, err := meter.Int64Counter(
		"fcp.tool.calls",
		metric.WithDescription("Tool invocations by tool, status and role"),
	)
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram(
		"fcp.tool.duration",
		metric.WithDescription("Tool invocation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	writeDenied, err := meter.Int64Counter(
		"fcp.auth.write_denied",
		metric.WithDescription("Write tool calls rejected for demo identities"),
	)
	if err != nil {
		return nil, err
	}

	authFailures, err := meter.Int64Counter(
		"fcp.auth.failures",
		metric.WithDescription("Bearer tokens that failed verification"),
	)
	if err != nil {
		return nil, err
	}

	rateLimited, err := meter.Int64Counter(
		"fcp.http.rate_limited",
		metric.WithDescription("Requests rejected by the per-identity rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		toolCalls:    toolCalls,
		toolDuration: toolDuration,
		writeDenied:  writeDenied,
		authFailures: authFailures,
		rateLimited:  rateLimited,
	}, nil
}

// RecordToolCall records one completed dispatch.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status, role string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
		attribute.String("role", role),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordWriteDenied counts a write call rejected by the permission gate.
func (m *Metrics) RecordWriteDenied(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.writeDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordAuthFailure counts a presented token that did not verify.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
