package kafka

import (
	"strconv"
	"time"
)

// PartitionAny leaves partition selection to the producer's partitioner.
const PartitionAny int32 = -1

// Offset sentinels accepted by Seek.
const (
	OffsetLatest   int64 = -1
	OffsetEarliest int64 = -2
)

// Header represents a single Kafka record header
// kafka needs to support multiple headers with duplicate keys
type Header struct {
	Key   string
	Value []byte
}

// HeaderValue returns the value of the first header matching the given key
// Returns (nil, false) if no header with that key exists
func HeaderValue(headers []Header, key string) ([]byte, bool) {
	for _, h := range headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// Record is an outgoing message. A nil Key or Value is sent as a null and is
// distinct from an empty slice.
type Record struct {
	Topic string
	// Partition is honoured when non-negative, PartitionAny defers to the partitioner.
	Partition int32
	Key       []byte
	Value     []byte
	Headers   []Header
	// Timestamp defaults to the time of Send when zero.
	Timestamp time.Time
}

// NewRecord returns a record for topic with no explicit partition.
func NewRecord(topic string, key, value []byte, headers ...Header) Record {
	return Record{
		Topic:     topic,
		Partition: PartitionAny,
		Key:       key,
		Value:     value,
		Headers:   headers,
	}
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

type ConsumerRecord struct {
	Key         []byte
	Value       []byte
	Headers     []Header
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Timestamp   time.Time
}

func (r ConsumerRecord) TopicPartition() TopicPartition {
	return TopicPartition{
		Topic:     r.Topic,
		Partition: r.Partition,
	}
}

// Copy returns a deep copy, detaching the record from the fetch buffer it was decoded from.
func (r ConsumerRecord) Copy() ConsumerRecord {
	var headersCopy []Header
	if r.Headers != nil {
		headersCopy = make([]Header, len(r.Headers))
		for i, h := range r.Headers {
			headersCopy[i] = Header{Key: h.Key, Value: cloneBytes(h.Value)}
		}
	}

	return ConsumerRecord{
		Key:         cloneBytes(r.Key),
		Value:       cloneBytes(r.Value),
		Headers:     headersCopy,
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		LeaderEpoch: r.LeaderEpoch,
		Timestamp:   r.Timestamp,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.FormatInt(int64(tp.Partition), 10)
}

// Offset is the next offset to consume for a partition.
type Offset struct {
	LeaderEpoch int32
	Offset      int64
}

// NewOffset returns an offset with an unknown leader epoch.
func NewOffset(offset int64) Offset {
	return Offset{LeaderEpoch: -1, Offset: offset}
}
