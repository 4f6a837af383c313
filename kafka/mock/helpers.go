package mock

import (
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
)

// RecordOption adjusts a record built by Record.
type RecordOption func(*kafka.ConsumerRecord)

func WithOffset(offset int64) RecordOption {
	return func(r *kafka.ConsumerRecord) { r.Offset = offset }
}

func WithTimestamp(ts time.Time) RecordOption {
	return func(r *kafka.ConsumerRecord) { r.Timestamp = ts }
}

func WithHeader(key string, value []byte) RecordOption {
	return func(r *kafka.ConsumerRecord) {
		r.Headers = append(r.Headers, kafka.Header{Key: key, Value: value})
	}
}

func WithLeaderEpoch(epoch int32) RecordOption {
	return func(r *kafka.ConsumerRecord) { r.LeaderEpoch = epoch }
}

// Record returns a record with a string key and value, stamped now. Topic and
// partition are filled in by Consumer.AddRecords.
func Record(key, value string, opts ...RecordOption) kafka.ConsumerRecord {
	r := kafka.ConsumerRecord{Key: []byte(key), Value: []byte(value), Timestamp: time.Now()}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// SimpleRecords builds one record per key, value pair.
func SimpleRecords(keyValuePairs ...string) []kafka.ConsumerRecord {
	if len(keyValuePairs)%2 != 0 {
		panic("mock: SimpleRecords needs key, value pairs")
	}

	records := make([]kafka.ConsumerRecord, 0, len(keyValuePairs)/2)
	for i := 0; i < len(keyValuePairs); i += 2 {
		records = append(records, Record(keyValuePairs[i], keyValuePairs[i+1]))
	}
	return records
}

// Values builds keyless records.
func Values(values ...string) []kafka.ConsumerRecord {
	records := make([]kafka.ConsumerRecord, len(values))
	for i, v := range values {
		records[i] = kafka.ConsumerRecord{Value: []byte(v), Timestamp: time.Now()}
	}
	return records
}
