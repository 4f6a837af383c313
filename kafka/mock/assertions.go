package mock

import (
	"bytes"
	"testing"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/stretchr/testify/require"
)

// AssertProducedCount verifies that exactly n records were produced.
func (p *Producer) AssertProducedCount(tb testing.TB, expected int) {
	tb.Helper()

	actual := len(p.ProducedRecords())
	require.Equal(tb, expected, actual, "expected %d records, got %d", expected, actual)
}

// AssertProducedCountForTopic verifies that exactly n records were produced to a topic.
func (p *Producer) AssertProducedCountForTopic(tb testing.TB, topic string, expected int) {
	tb.Helper()

	actual := len(p.ProducedRecordsForTopic(topic))
	require.Equal(tb, expected, actual, "expected %d records produced to topic %q, got %d", expected, topic, actual)
}

// AssertProduced verifies that a record with the given key and value was produced to the topic.
func (p *Producer) AssertProduced(tb testing.TB, topic string, key, value []byte) {
	tb.Helper()

	for _, r := range p.ProducedRecordsForTopic(topic) {
		if bytes.Equal(r.Key, key) && bytes.Equal(r.Value, value) {
			return
		}
	}

	tb.Errorf(
		"expected record with key=%q value=%q to be produced to topic %q, but it was not found",
		string(key), string(value), topic,
	)
}

// AssertProducedString is a convenience method for string keys and values.
func (p *Producer) AssertProducedString(tb testing.TB, topic, key, value string) {
	tb.Helper()
	p.AssertProduced(tb, topic, []byte(key), []byte(value))
}

// AssertNotProduced verifies that no record with the given key was produced to the topic.
func (p *Producer) AssertNotProduced(tb testing.TB, topic string, key []byte) {
	tb.Helper()

	for _, r := range p.ProducedRecordsForTopic(topic) {
		if bytes.Equal(r.Key, key) {
			tb.Errorf(
				"expected no record with key=%q to be produced to topic %q, but found value=%q",
				string(key), topic, string(r.Value),
			)
			return
		}
	}
}

// AssertHeader verifies that a produced record has a specific header.
func (p *Producer) AssertHeader(tb testing.TB, topic string, key []byte, headerKey string, headerValue []byte) {
	tb.Helper()

	for _, r := range p.ProducedRecordsForTopic(topic) {
		if bytes.Equal(r.Key, key) {
			actual, ok := kafka.HeaderValue(r.Headers, headerKey)
			require.True(tb, ok, "record with key=%q missing header %q", string(key), headerKey)
			require.True(
				tb, bytes.Equal(actual, headerValue), "record with key=%q has header %q=%q, expected %q", string(key),
				headerKey, string(actual), string(headerValue),
			)
			return
		}
	}

	tb.Errorf("no record with key=%q found in topic %q", string(key), topic)
}

// AssertNoProducedRecords verifies that no records were produced.
func (p *Producer) AssertNoProducedRecords(tb testing.TB) {
	tb.Helper()

	records := p.ProducedRecords()
	require.Empty(tb, records, "expected no produced records, got %d", len(records))
}

// AssertClosed verifies that Close() was called.
func (p *Producer) AssertClosed(tb testing.TB) {
	tb.Helper()

	require.True(tb, p.IsClosed(), "expected producer to be closed")
}

// AssertCommitted verifies that an offset was committed for the topic-partition.
func (c *Consumer) AssertCommitted(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	_, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "committed offset not found for %s", tp)
}

// AssertCommittedOffset verifies that a specific offset was committed.
func (c *Consumer) AssertCommittedOffset(tb testing.TB, tp kafka.TopicPartition, expectedOffset int64) {
	tb.Helper()

	actual, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "expected offset %d to be committed for %s, but none found", expectedOffset, tp)
	require.Equal(
		tb, expectedOffset, actual.Offset,
		"expected offset %d to be committed for %s, got %d", expectedOffset, tp, actual.Offset,
	)
}

// AssertCommittedAtLeast verifies that the committed offset is at least the expected value.
func (c *Consumer) AssertCommittedAtLeast(tb testing.TB, tp kafka.TopicPartition, minOffset int64) {
	tb.Helper()

	actual, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "expected offset >= %d to be committed for %s, but none found", minOffset, tp)
	require.GreaterOrEqual(
		tb, actual.Offset, minOffset,
		"expected committed offset >= %d for %s, got %d", minOffset, tp, actual.Offset,
	)
}

// AssertSubscribed verifies that the consumer is subscribed to the given topics.
func (c *Consumer) AssertSubscribed(tb testing.TB, topics ...string) {
	tb.Helper()

	subMap := make(map[string]bool)
	for _, s := range c.Subscriptions() {
		subMap[s] = true
	}

	for _, topic := range topics {
		if !subMap[topic] {
			tb.Errorf("expected consumer to be subscribed to topic %q, but it is not", topic)
		}
	}
}

// AssertAssigned verifies that the given partitions are currently assigned.
func (c *Consumer) AssertAssigned(tb testing.TB, partitions ...kafka.TopicPartition) {
	tb.Helper()

	assignedMap := make(map[kafka.TopicPartition]bool)
	for _, p := range c.AssignedPartitions() {
		assignedMap[p] = true
	}

	for _, p := range partitions {
		if !assignedMap[p] {
			tb.Errorf("expected partition %s to be assigned, but it is not", p)
		}
	}
}

// AssertClosed verifies that Close() was called.
func (c *Consumer) AssertClosed(tb testing.TB) {
	tb.Helper()

	require.True(tb, c.IsClosed(), "expected consumer to be closed")
}

// AssertNotClosed verifies that Close() was not called.
func (c *Consumer) AssertNotClosed(tb testing.TB) {
	tb.Helper()

	require.False(tb, c.IsClosed(), "expected consumer to not be closed, but it is")
}
