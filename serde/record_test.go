//go:build unit

package serde_test

import (
	"testing"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/serde"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecord(t *testing.T) {
	t.Parallel()
	type Event struct {
		ID int `json:"id"`
	}

	rec := kafka.ConsumerRecord{Topic: "events", Key: []byte("k1"), Value: []byte(`{"id":7}`)}
	k, v, err := serde.DecodeRecord(rec, serde.String(), serde.JSON[Event]())
	require.NoError(t, err)
	require.Equal(t, "k1", k)
	require.Equal(t, Event{ID: 7}, v)
}

func TestDecodeRecord_SerializationError(t *testing.T) {
	t.Parallel()
	rec := kafka.ConsumerRecord{Topic: "events", Key: []byte("k1"), Value: []byte("not json")}
	_, _, err := serde.DecodeRecord(rec, serde.String(), serde.JSON[map[string]int]())
	require.Error(t, err)

	_, ok := kafka.AsSerializationError(err)
	require.True(t, ok)
}
