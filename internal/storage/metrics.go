package storage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "query_seconds",
		Help:      "Latency of user and contact queries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	queryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "query_errors_total",
		Help:      "Queries that returned an error, by operation.",
	}, []string{"op"})

	storeTracer = otel.Tracer("github.com/gabrielenos/lancip/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, queryErrors)
}

// observe opens a span for op and returns a func that records latency and
// outcome. Expected misses such as ErrNotFound are not counted as errors.
func observe(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := storeTracer.Start(ctx, "store."+op, trace.WithAttributes(attribute.String("db.system", "postgresql")))
	start := time.Now()
	return ctx, func(errp *error) {
		queryLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if errp != nil && *errp != nil && !isExpected(*errp) {
			queryErrors.WithLabelValues(op).Inc()
			span.RecordError(*errp)
		}
		span.End()
	}
}
