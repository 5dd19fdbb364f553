package metrics

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/jaym/goor"

const (
	activationsCounterName   = "goor.activations"
	activationFailuresName   = "goor.activation.failures"
	deactivationsCounterName = "goor.deactivations"
	invocationsCounterName   = "goor.invocations"
	invocationFailuresName   = "goor.invocation.failures"
	timeoutsCounterName      = "goor.timeouts"
	anomaliesCounterName     = "goor.correlation.anomalies"
	invocationDurationName   = "goor.invocation.duration"
	grainTypeAttribute       = "grain.type"
	roleAttribute            = "silo.role"
)

// Recorder counts runtime events. A nil *Recorder records nothing.
type Recorder struct {
	role attribute.KeyValue

	activations        metric.Int64Counter
	activationFailures metric.Int64Counter
	deactivations      metric.Int64Counter
	invocations        metric.Int64Counter
	invocationFailures metric.Int64Counter
	timeouts           metric.Int64Counter
	anomalies          metric.Int64Counter
	invocationDuration metric.Float64Histogram
}

// New creates the instruments on mp, or on the global provider when mp
// is nil.
func New(mp metric.MeterProvider, role string) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	r := &Recorder{
		role: attribute.String(roleAttribute, role),
	}

	var err error
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&r.activations, activationsCounterName, "The number of activations brought up"},
		{&r.activationFailures, activationFailuresName, "The number of activations that failed to come up"},
		{&r.deactivations, deactivationsCounterName, "The number of activations torn down"},
		{&r.invocations, invocationsCounterName, "The number of grain method invocations"},
		{&r.invocationFailures, invocationFailuresName, "The number of grain method invocations that failed"},
		{&r.timeouts, timeoutsCounterName, "The number of requests that timed out"},
		{&r.anomalies, anomaliesCounterName, "The number of responses with no matching request"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.description)); err != nil {
			return nil, errors.Wrapf(err, "creating %s instrument", c.name)
		}
	}
	if r.invocationDuration, err = meter.Float64Histogram(
		invocationDurationName,
		metric.WithDescription("The latency of grain method invocations in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, errors.Wrapf(err, "creating %s instrument", invocationDurationName)
	}
	return r, nil
}

func (r *Recorder) attrs(grainType string) metric.MeasurementOption {
	return metric.WithAttributes(r.role, attribute.String(grainTypeAttribute, grainType))
}

func (r *Recorder) Activated(ctx context.Context, grainType string) {
	if r == nil {
		return
	}
	r.activations.Add(ctx, 1, r.attrs(grainType))
}

func (r *Recorder) ActivationFailed(ctx context.Context, grainType string) {
	if r == nil {
		return
	}
	r.activationFailures.Add(ctx, 1, r.attrs(grainType))
}

func (r *Recorder) Deactivated(ctx context.Context, grainType string) {
	if r == nil {
		return
	}
	r.deactivations.Add(ctx, 1, r.attrs(grainType))
}

func (r *Recorder) Invoked(ctx context.Context, grainType string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	attrs := r.attrs(grainType)
	r.invocations.Add(ctx, 1, attrs)
	r.invocationDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	if err != nil {
		r.invocationFailures.Add(ctx, 1, attrs)
	}
}

func (r *Recorder) TimedOut(ctx context.Context) {
	if r == nil {
		return
	}
	r.timeouts.Add(ctx, 1, metric.WithAttributes(r.role))
}

func (r *Recorder) Anomaly(ctx context.Context) {
	if r == nil {
		return
	}
	r.anomalies.Add(ctx, 1, metric.WithAttributes(r.role))
}
