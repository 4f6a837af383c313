package runner

import (
	"context"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/record"
	"github.com/hugolhafner/go-pubsub/serde"
)

// Typed decodes every record before handing it to fn. Decoding failures are
// kafka.SerializationErrors, which error handlers see in the decode phase.
func Typed[K, V any](
	keys serde.Deserialiser[K], values serde.Deserialiser[V],
	fn func(ctx context.Context, rec record.Record[K, V]) error,
) HandleFunc {
	return func(ctx context.Context, rec kafka.ConsumerRecord) error {
		k, v, err := serde.DecodeRecord(rec, keys, values)
		if err != nil {
			return err
		}
		return fn(ctx, record.Record[K, V]{Key: k, Value: v, Metadata: record.MetadataOf(rec)})
	}
}
