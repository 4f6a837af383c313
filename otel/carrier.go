package otel

import (
	"context"

	"github.com/hugolhafner/go-pubsub/kafka"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = KafkaHeadersCarrier{}

// KafkaHeadersCarrier exposes record headers to otel propagators.
type KafkaHeadersCarrier struct {
	Headers *[]kafka.Header
}

func NewKafkaHeadersCarrier(headers *[]kafka.Header) KafkaHeadersCarrier {
	return KafkaHeadersCarrier{Headers: headers}
}

func (c KafkaHeadersCarrier) Get(key string) string {
	for _, h := range *c.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c KafkaHeadersCarrier) Set(key, value string) {
	// Kafka can have multiple headers with the same key, overwrite all existing headers with the same key
	// or add new one
	found := false
	for i, h := range *c.Headers {
		if h.Key == key {
			(*c.Headers)[i].Value = []byte(value)
			found = true
		}
	}

	if !found {
		*c.Headers = append(*c.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}
}

func (c KafkaHeadersCarrier) Keys() []string {
	keys := make([]string, len(*c.Headers))
	for i, h := range *c.Headers {
		keys[i] = h.Key
	}
	return keys
}

// Inject writes the span context carried by ctx into headers.
func (t *Telemetry) Inject(ctx context.Context, headers *[]kafka.Header) {
	t.Propagator.Inject(ctx, NewKafkaHeadersCarrier(headers))
}

// Extract returns ctx enriched with the span context found in headers.
func (t *Telemetry) Extract(ctx context.Context, headers []kafka.Header) context.Context {
	return t.Propagator.Extract(ctx, NewKafkaHeadersCarrier(&headers))
}
