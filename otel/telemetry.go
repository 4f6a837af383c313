package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/go-pubsub"

// Telemetry holds all OpenTelemetry instruments of the client
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	// Producer metrics
	MessagesProduced metric.Int64Counter
	ProduceDuration  metric.Float64Histogram
	BatchRecords     metric.Int64Histogram
	ProduceRetries   metric.Int64Counter

	// Consumer metrics
	MessagesConsumed metric.Int64Counter
	PollDuration     metric.Float64Histogram
	FetchDuration    metric.Float64Histogram
	Commits          metric.Int64Counter
	Rebalances       metric.Int64Counter

	// Runner metrics
	ProcessDuration     metric.Float64Histogram
	ErrorHandlerActions metric.Int64Counter

	// Broker metrics
	BrokerConnections metric.Int64UpDownCounter
	RequestDuration   metric.Float64Histogram

	// Error metrics
	Errors metric.Int64Counter
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) (
	*Telemetry, error,
) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}

	meter := mp.Meter(scopeName)
	t := &Telemetry{
		Tracer:     tp.Tracer(scopeName),
		Propagator: prop,
	}

	var err error
	if t.MessagesProduced, err = meter.Int64Counter(
		"messaging.producer.messages",
		metric.WithDescription("Records acknowledged or failed by the producer"),
	); err != nil {
		return nil, err
	}
	if t.ProduceDuration, err = meter.Float64Histogram(
		"pubsub.produce.duration",
		metric.WithDescription("Time from batch send to broker acknowledgement"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.BatchRecords, err = meter.Int64Histogram(
		"pubsub.produce.batch.records",
		metric.WithDescription("Records per produced batch"),
	); err != nil {
		return nil, err
	}
	if t.ProduceRetries, err = meter.Int64Counter(
		"pubsub.produce.retries",
		metric.WithDescription("Batch send attempts retried after a transient error"),
	); err != nil {
		return nil, err
	}
	if t.MessagesConsumed, err = meter.Int64Counter(
		"messaging.consumer.messages",
		metric.WithDescription("Records consumed"),
	); err != nil {
		return nil, err
	}
	if t.PollDuration, err = meter.Float64Histogram(
		"pubsub.poll.duration",
		metric.WithDescription("Time per Poll() call"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.FetchDuration, err = meter.Float64Histogram(
		"pubsub.fetch.duration",
		metric.WithDescription("Time per fetch request"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.Commits, err = meter.Int64Counter(
		"pubsub.consumer.commits",
		metric.WithDescription("Offset commits by outcome"),
	); err != nil {
		return nil, err
	}
	if t.Rebalances, err = meter.Int64Counter(
		"pubsub.consumer.rebalances",
		metric.WithDescription("Completed group rebalances"),
	); err != nil {
		return nil, err
	}
	if t.ProcessDuration, err = meter.Float64Histogram(
		"pubsub.process.duration",
		metric.WithDescription("Time to handle one record, retries included"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.ErrorHandlerActions, err = meter.Int64Counter(
		"pubsub.errorhandler.actions",
		metric.WithDescription("Error handler decisions by action"),
	); err != nil {
		return nil, err
	}
	if t.BrokerConnections, err = meter.Int64UpDownCounter(
		"pubsub.broker.connections",
		metric.WithDescription("Open broker connections"),
	); err != nil {
		return nil, err
	}
	if t.RequestDuration, err = meter.Float64Histogram(
		"pubsub.request.duration",
		metric.WithDescription("Broker request round trip time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.Errors, err = meter.Int64Counter(
		"pubsub.errors",
		metric.WithDescription("Errors encountered by component"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

// Noop returns a Telemetry instance with all noop instruments
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil, nil)
	return t
}
