// Package record holds decoded consumer records.
package record

import (
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
)

// Metadata is everything about a consumed record except its key and value.
type Metadata struct {
	Timestamp time.Time
	Headers   []kafka.Header

	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
}

type Record[K, V any] struct {
	Key   K
	Value V
	Metadata
}

func MetadataOf(rec kafka.ConsumerRecord) Metadata {
	return Metadata{
		Timestamp:   rec.Timestamp,
		Headers:     rec.Headers,
		Topic:       rec.Topic,
		Partition:   rec.Partition,
		Offset:      rec.Offset,
		LeaderEpoch: rec.LeaderEpoch,
	}
}

// Header returns the value of the first header named key.
func (m Metadata) Header(key string) ([]byte, bool) {
	return kafka.HeaderValue(m.Headers, key)
}

func (m Metadata) TopicPartition() kafka.TopicPartition {
	return kafka.TopicPartition{Topic: m.Topic, Partition: m.Partition}
}
