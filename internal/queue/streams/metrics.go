package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedEvents   otelmetric.Int64Counter
	consumedEvents    otelmetric.Int64Counter
	rejectedEvents    otelmetric.Int64Counter
	groupPending      otelmetric.Int64Gauge
)

func initStreamMetrics() {
	meter := otel.Meter("postcraft/internal/queue/streams")
	var err error
	publishedEvents, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	consumedEvents, err = meter.Int64Counter(
		"stream_events_consumed_total",
		otelmetric.WithDescription("Envelopes delivered to consumer groups"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_consumed_total: %v", err)
	}
	rejectedEvents, err = meter.Int64Counter(
		"stream_events_rejected_total",
		otelmetric.WithDescription("Envelopes dropped for failing decode or schema validation"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_rejected_total: %v", err)
	}
	groupPending, err = meter.Int64Gauge(
		"stream_group_pending",
		otelmetric.WithDescription("Pending entries per consumer group"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_group_pending: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedEvents != nil {
		publishedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordConsumed(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if consumedEvents != nil {
		consumedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordRejected(ctx context.Context, eventType, stage string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if rejectedEvents == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	rejectedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("stage", stage),
	))
}

func recordLag(ctx context.Context, stream, group string, m LagMetrics) {
	streamMetricsOnce.Do(initStreamMetrics)
	if groupPending != nil {
		groupPending.Record(contextOrBackground(ctx), m.Pending, otelmetric.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("group", group),
		))
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
