package producer

import (
	"context"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/serde"
)

// Typed serialises keys and values before handing records to a Producer.
type Typed[K, V any] struct {
	p      *Producer
	keys   serde.Serialiser[K]
	values serde.Serialiser[V]
}

func NewTyped[K, V any](p *Producer, keys serde.Serialiser[K], values serde.Serialiser[V]) *Typed[K, V] {
	return &Typed[K, V]{p: p, keys: keys, values: values}
}

// Send serialises key and value and sends them to topic. A serialisation
// failure is not retried: it is reported once to cb as a
// kafka.SerializationError, and Send returns nil.
func (t *Typed[K, V]) Send(
	ctx context.Context, topic string, key K, value V, cb kafka.DeliveryCallback, headers ...kafka.Header,
) error {
	rec := kafka.NewRecord(topic, nil, nil, headers...)

	k, err := t.keys.Serialise(topic, key)
	if err != nil {
		return t.p.reject(rec, cb, kafka.NewSerializationError(err))
	}
	v, err := t.values.Serialise(topic, value)
	if err != nil {
		return t.p.reject(rec, cb, kafka.NewSerializationError(err))
	}

	rec.Key = k
	rec.Value = v
	return t.p.Send(ctx, rec, cb)
}

func (t *Typed[K, V]) Producer() *Producer {
	return t.p
}
