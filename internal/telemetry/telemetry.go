// Package telemetry holds the process-wide prometheus collectors and the
// tracer used by the reconciliation and suggestion packages.
package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "boardpilot/api"

var (
	// ReconcileOps counts applied graph mutations.
	// Labels: level (column, task, subtask), op (create, update, delete)
	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardpilot_reconcile_operations_total",
		Help: "Graph mutations applied by board reconciliation",
	}, []string{"level", "op"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardpilot_reconcile_runs_total",
		Help: "Reconciliation runs by mode and result",
	}, []string{"mode", "result"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boardpilot_reconcile_duration_seconds",
		Help:    "Reconciliation duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"mode"})

	// SuggestionTransitions counts lifecycle actions.
	// Labels: type, action (accept, reject, modify), result (ok, error)
	SuggestionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardpilot_suggestion_transitions_total",
		Help: "Suggestion lifecycle actions by type and result",
	}, []string{"type", "action", "result"})

	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardpilot_suggestion_batch_items_total",
		Help: "Batch items processed by action and result",
	}, []string{"action", "result"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardpilot_notifications_total",
		Help: "Realtime notifications by transport and result",
	}, []string{"transport", "result"})
)

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

// Tracer is resolved lazily so an SDK installed after package init is picked up.
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer(instrumentationName)
	})
	return tracer
}

// StartSpan starts a span with string attributes given as key/value pairs.
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
