package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-token/pkg/domain"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	mutationCounter       metric.Int64Counter
	fetchCounter          metric.Int64Counter
	configChangeCounter   metric.Int64Counter
	fetchLatencyHistogram metric.Float64Histogram
)

// RecordEvent updates the token metrics for a core event. Events that carry
// no measurement are ignored.
func RecordEvent(ctx context.Context, event domain.Event) {
	if err := ensureMetrics(); err != nil {
		return
	}

	switch event.Kind {
	case domain.EventRequestFiltered, domain.EventPassThrough, domain.EventSubstituted:
		mutationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("token.tool", string(event.Tool)),
			attribute.String("token.outcome", string(event.Outcome)),
		))
	case domain.EventFetchCompleted:
		attrs := metric.WithAttributes(attribute.String("token.fetch.result", FetchResult(event.Err)))
		fetchCounter.Add(ctx, 1, attrs)
		if event.Duration > 0 {
			fetchLatencyHistogram.Record(ctx, float64(event.Duration)/float64(time.Millisecond), attrs)
		}
	case domain.EventConfigApplied, domain.EventConfigRejected:
		result := "applied"
		if event.Kind == domain.EventConfigRejected {
			result = "rejected"
		}
		configChangeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("token.config.field", event.Field),
			attribute.String("token.config.result", result),
		))
	}
}

// FetchResult is the low-cardinality label for a fetch error: "ok" on success,
// otherwise the lower-cased domain error code.
func FetchResult(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(domain.ErrorCode(err))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.token")

		mutationCounter, metricsInitErr = meter.Int64Counter(
			"token.mutations_total",
			metric.WithDescription("Observed messages partitioned by mutation outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fetchCounter, metricsInitErr = meter.Int64Counter(
			"token.fetch_total",
			metric.WithDescription("Form token fetches partitioned by result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		configChangeCounter, metricsInitErr = meter.Int64Counter(
			"token.config.changes_total",
			metric.WithDescription("Configuration setter calls partitioned by field and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fetchLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"token.fetch.duration_ms",
			metric.WithDescription("Observed form fetch latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordMutationEvent attaches a coarse-grained span event for a core event
// without leaking token values or request bytes.
func RecordMutationEvent(span trace.Span, event domain.Event) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("token.event", string(event.Kind)),
	}
	if event.Outcome != "" {
		attrs = append(attrs, attribute.String("token.outcome", string(event.Outcome)))
	}
	if event.Status != 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", event.Status))
	}
	if event.Err != nil {
		attrs = append(attrs, attribute.String("token.error_code", domain.ErrorCode(event.Err)))
	}

	span.AddEvent(string(event.Kind), trace.WithAttributes(attrs...))
}
