//go:build unit

package pubsub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	pubsub "github.com/hugolhafner/go-pubsub"
	"github.com/hugolhafner/go-pubsub/consumer"
	"github.com/hugolhafner/go-pubsub/internal/kafkatest"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/hugolhafner/go-pubsub/producer"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func createTestClient(t *testing.T, seeds []string, opts ...pubsub.Option) *pubsub.Client {
	t.Helper()

	opts = append([]pubsub.Option{pubsub.WithLogger(kafkatest.Logger(t))}, opts...)
	c, err := pubsub.NewClient(seeds, opts...)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = c.Close(ctx)
		},
	)
	return c
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewClient_RequiresSeeds(t *testing.T) {
	_, err := pubsub.NewClient(nil)
	require.Error(t, err)
}

func TestClient_ProduceConsume(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 3, map[string]int32{"payments": 3})

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c := createTestClient(t, cluster.ListenAddrs(), pubsub.WithClientID("payments-svc"), pubsub.WithTelemetry(tp, mp, nil))
	require.Equal(t, "payments-svc", c.ClientID())
	require.NoError(t, c.Ping(context.Background(), "payments"))

	p, err := c.NewProducer(producer.WithLinger(10 * time.Millisecond))
	require.NoError(t, err)

	ctx, span := tp.Tracer("test").Start(context.Background(), "send")
	for i := 0; i < 30; i++ {
		rec := kafka.NewRecord("payments", []byte{byte(i)}, []byte("amount"))
		require.NoError(t, p.Send(ctx, rec, nil))
	}
	span.End()
	n, err := p.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	cons, err := c.NewConsumer(
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
		consumer.WithPollTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(
		t, cons.Assign(
			[]kafka.TopicPartition{
				{Topic: "payments", Partition: 0},
				{Topic: "payments", Partition: 1},
				{Topic: "payments", Partition: 2},
			},
		),
	)

	var got []kafka.ConsumerRecord
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < 30 {
		require.True(t, time.Now().Before(deadline), "consumed %d of 30", len(got))
		recs, err := cons.Poll(context.Background())
		require.NoError(t, err)
		got = append(got, recs...)
	}

	tel := otel.Noop()
	for _, r := range got {
		sc := trace.SpanContextFromContext(tel.Extract(context.Background(), r.Headers))
		require.True(t, sc.IsValid(), "trace context travels in the headers")
		require.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Equal(t, int64(30), sumCounter(t, rm, "messaging.producer.messages"))
	require.Equal(t, int64(30), sumCounter(t, rm, "messaging.consumer.messages"))

	stats := c.Stats()
	require.Equal(t, "payments-svc", stats.ClientID)
	require.Len(t, stats.Producers, 1)
	require.Len(t, stats.Consumers, 1)
	require.Equal(t, int64(30), stats.Producers[0].Delivered)
	require.Equal(t, int64(30), stats.Consumers[0].Consumed)
	require.Equal(t, 3, stats.Brokers.Brokers)
	require.Positive(t, stats.Brokers.Connections)
}

func TestClient_StatsCallback(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)

	var mu sync.Mutex
	var reports []pubsub.Stats
	createTestClient(
		t, cluster.ListenAddrs(), pubsub.WithStats(
			20*time.Millisecond, func(s pubsub.Stats) {
				mu.Lock()
				defer mu.Unlock()
				reports = append(reports, s)
			},
		),
	)

	require.Eventually(
		t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(reports) >= 2
		}, 5*time.Second, 10*time.Millisecond,
	)
	mu.Lock()
	require.NotEmpty(t, reports[0].ClientID)
	require.Zero(t, reports[0].Brokers.Connections)
	mu.Unlock()
}

func TestClient_Close(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"t": 1})
	c := createTestClient(t, cluster.ListenAddrs())

	p, err := c.NewProducer()
	require.NoError(t, err)
	cons, err := c.NewConsumer()
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	require.ErrorIs(t, p.Send(context.Background(), kafka.NewRecord("t", nil, nil), nil), kafka.ErrClosed)
	_, err = cons.Poll(context.Background())
	require.ErrorIs(t, err, kafka.ErrClosed)

	_, err = c.NewProducer()
	require.ErrorIs(t, err, kafka.ErrClosed)
	_, err = c.NewConsumer()
	require.ErrorIs(t, err, kafka.ErrClosed)
}
