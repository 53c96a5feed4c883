package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/divitel/kroket-quota/internal/reconcile"
)

const remediationScopeName = "github.com/divitel/kroket-quota/remediation"

// InstrumentedRemediator wraps a reconcile.Remediator with OTel tracing and
// metrics. Every call gets a span and is counted in quota.remediation.*
// metrics. Use WrapRemediator to create one.
type InstrumentedRemediator struct {
	inner  reconcile.Remediator
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapRemediator returns r decorated with OTel instrumentation.
// When telemetry is disabled, r is returned as-is with zero overhead.
func WrapRemediator(r reconcile.Remediator) reconcile.Remediator {
	if !Enabled() {
		return r
	}
	m := Meter(remediationScopeName)
	ops, _ := m.Int64Counter("quota.remediation.operations",
		metric.WithDescription("Total provisioning service calls"),
	)
	dur, _ := m.Float64Histogram("quota.remediation.operation.duration",
		metric.WithDescription("Provisioning service call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("quota.remediation.errors",
		metric.WithDescription("Total failed provisioning service calls"),
	)
	return &InstrumentedRemediator{
		inner:  r,
		tracer: Tracer(remediationScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named call.
func (r *InstrumentedRemediator) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("quota.operation", name)}, attrs...)
	ctx, span := r.tracer.Start(ctx, "prodis."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	r.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("quota.operation", name)))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (r *InstrumentedRemediator) done(ctx context.Context, span trace.Span, start time.Time, name string, err error) {
	attrs := metric.WithAttributes(attribute.String("quota.operation", name))
	ms := float64(time.Since(start).Milliseconds())
	r.dur.Record(ctx, ms, attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

func (r *InstrumentedRemediator) FetchRecord(ctx context.Context, id string) (string, error) {
	ctx, span, t := r.op(ctx, "FetchRecord", attribute.String("quota.customer.id", id))
	v, err := r.inner.FetchRecord(ctx, id)
	r.done(ctx, span, t, "FetchRecord", err)
	return v, err
}

func (r *InstrumentedRemediator) SubmitQuota(ctx context.Context, id, record string, minutes int) error {
	ctx, span, t := r.op(ctx, "SubmitQuota",
		attribute.String("quota.customer.id", id),
		attribute.Int("quota.minutes", minutes),
	)
	err := r.inner.SubmitQuota(ctx, id, record, minutes)
	r.done(ctx, span, t, "SubmitQuota", err)
	return err
}

// RecordRun counts a finished run and its outcome in quota.run.* metrics.
func RecordRun(ctx context.Context, res reconcile.Result) {
	if !Enabled() {
		return
	}
	m := Meter("")
	runs, _ := m.Int64Counter("quota.run.count",
		metric.WithDescription("Reconciliation runs by mode and terminal state"),
	)
	targets, _ := m.Int64Histogram("quota.run.targets",
		metric.WithDescription("Reprovision targets selected per run"),
	)
	outcomes, _ := m.Int64Counter("quota.run.customers",
		metric.WithDescription("Targets handled by outcome"),
	)

	runAttrs := metric.WithAttributes(
		attribute.String("quota.mode", res.Mode.String()),
		attribute.String("quota.state", res.State.String()),
	)
	runs.Add(ctx, 1, runAttrs)
	targets.Record(ctx, int64(res.Targets), runAttrs)
	for outcome, n := range map[string]int{
		"remediated": res.Remediated,
		"failed":     res.Failed,
		"skipped":    res.Skipped,
	} {
		if n > 0 {
			outcomes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("quota.outcome", outcome)))
		}
	}
}
