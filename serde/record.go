package serde

import (
	"github.com/hugolhafner/go-pubsub/kafka"
)

// DecodeRecord deserialises the key and value of rec. Failures are returned
// as a kafka.SerializationError.
func DecodeRecord[K, V any](rec kafka.ConsumerRecord, keys Deserialiser[K], values Deserialiser[V]) (K, V, error) {
	var (
		zk K
		zv V
	)
	k, err := keys.Deserialise(rec.Topic, rec.Key)
	if err != nil {
		return zk, zv, kafka.NewSerializationError(err)
	}
	v, err := values.Deserialise(rec.Topic, rec.Value)
	if err != nil {
		return zk, zv, kafka.NewSerializationError(err)
	}
	return k, v, nil
}
