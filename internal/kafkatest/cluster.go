// Package kafkatest starts in-process Kafka clusters and an independent
// reference client for integration tests.
package kafkatest

import (
	"context"
	"testing"
	"time"

	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/plugins/zaplogger"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger logs through the test's output at warn and above.
func Logger(tb testing.TB) logger.Logger {
	return zaplogger.New(zaptest.NewLogger(tb, zaptest.Level(zap.WarnLevel)))
}

// NewCluster starts a fake cluster of brokers with topics seeded to the
// given partition counts. It is closed when the test ends.
func NewCluster(tb testing.TB, brokers int, topics map[string]int32, opts ...kfake.Opt) *kfake.Cluster {
	tb.Helper()

	kopts := []kfake.Opt{
		kfake.NumBrokers(brokers),
		kfake.WithLogger(&kfakeLogger{l: Logger(tb)}),
	}
	for topic, partitions := range topics {
		kopts = append(kopts, kfake.SeedTopics(partitions, topic))
	}
	kopts = append(kopts, opts...)

	c, err := kfake.NewCluster(kopts...)
	require.NoError(tb, err)
	tb.Cleanup(c.Close)
	return c
}

// NewReferenceClient returns a franz-go client for the cluster, used to
// check what the client under test wrote or to feed it records. Versions are
// capped at what the fake cluster serves; newer kgo releases open with an
// ApiVersions request it drops.
func NewReferenceClient(tb testing.TB, seeds []string, opts ...kgo.Opt) *kgo.Client {
	tb.Helper()

	kopts := append(
		[]kgo.Opt{
			kgo.SeedBrokers(seeds...),
			kgo.MaxVersions(ReferenceVersions()),
			kgo.WithLogger(newKgoLogger(Logger(tb))),
			kgo.RecordPartitioner(kgo.ManualPartitioner()),
		},
		opts...,
	)
	cl, err := kgo.NewClient(kopts...)
	require.NoError(tb, err)
	tb.Cleanup(cl.Close)
	return cl
}

// ReferenceVersions is the newest protocol the reference client speaks.
func ReferenceVersions() *kversion.Versions {
	return kversion.V3_7_0()
}

// Produce writes values to one partition synchronously, in order.
func Produce(tb testing.TB, cl *kgo.Client, topic string, partition int32, values ...string) {
	tb.Helper()

	records := make([]*kgo.Record, 0, len(values))
	for _, v := range values {
		records = append(records, &kgo.Record{Topic: topic, Partition: partition, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(tb, cl.ProduceSync(ctx, records...).FirstErr())
}

// Consume reads n records from topics with a fresh consumer starting at the
// earliest offset, failing the test after timeout.
func Consume(tb testing.TB, seeds []string, n int, timeout time.Duration, topics ...string) []*kgo.Record {
	tb.Helper()

	cl := NewReferenceClient(
		tb, seeds,
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var out []*kgo.Record
	for len(out) < n {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil {
			require.FailNowf(tb, "consume timed out", "got %d of %d records", len(out), n)
		}
		fetches.EachError(
			func(topic string, partition int32, err error) {
				tb.Logf("reference consumer fetch error on %s-%d: %v", topic, partition, err)
			},
		)
		fetches.EachRecord(
			func(r *kgo.Record) {
				out = append(out, r)
			},
		)
	}
	return out
}
