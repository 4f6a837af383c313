//go:build unit

package broker_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/internal/kafkatest"
	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func createTestPool(t *testing.T, seeds []string, opts ...broker.Option) *broker.Pool {
	t.Helper()

	opts = append(
		[]broker.Option{
			broker.WithLogger(kafkatest.Logger(t)),
			broker.WithReconnectBackoff(retry.Fixed(10 * time.Millisecond)),
		}, opts...,
	)
	p, err := broker.NewPool(seeds, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func metadataRequest(topics ...string) *kmsg.MetadataRequest {
	req := kmsg.NewPtrMetadataRequest()
	for _, t := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(t)
		req.Topics = append(req.Topics, rt)
	}
	return req
}

func TestNewPool_ValidatesSeeds(t *testing.T) {
	_, err := broker.NewPool(nil)
	require.Error(t, err)

	_, err = broker.NewPool([]string{"no-port"})
	require.ErrorContains(t, err, "invalid seed")
}

func TestPool_RequestAny(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 3, map[string]int32{"orders": 6})
	p := createTestPool(t, cluster.ListenAddrs()[:1])

	resp, err := p.RequestAny(context.Background(), metadataRequest("orders"))
	require.NoError(t, err)

	mresp := resp.(*kmsg.MetadataResponse)
	require.Len(t, mresp.Brokers, 3)
	require.Len(t, mresp.Topics, 1)
	require.Len(t, mresp.Topics[0].Partitions, 6)

	stats := p.Stats()
	require.Equal(t, 1, stats.Connections)
	require.Positive(t, stats.BytesWritten)
	require.Positive(t, stats.BytesRead)
	require.Zero(t, stats.Outstanding)
}

func TestPool_UpdateBrokersThenGet(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 3, nil)
	p := createTestPool(t, cluster.ListenAddrs()[:1])

	resp, err := p.RequestAny(context.Background(), metadataRequest())
	require.NoError(t, err)

	var brokers []broker.Broker
	for _, b := range resp.(*kmsg.MetadataResponse).Brokers {
		brokers = append(brokers, broker.Broker{NodeID: b.NodeID, Host: b.Host, Port: b.Port})
	}
	p.UpdateBrokers(brokers)
	require.Len(t, p.Brokers(), 3)
	require.Equal(t, 3, p.Stats().Brokers)

	for _, b := range brokers {
		c, err := p.Get(context.Background(), b.NodeID, broker.ClassNormal)
		require.NoError(t, err)
		require.Equal(t, b.NodeID, c.BrokerID())
		require.Equal(t, b.Addr(), c.Addr())

		again, err := p.Get(context.Background(), b.NodeID, broker.ClassNormal)
		require.NoError(t, err)
		require.Same(t, c, again, "connections are reused")

		fetchConn, err := p.Get(context.Background(), b.NodeID, broker.ClassFetch)
		require.NoError(t, err)
		require.NotSame(t, c, fetchConn, "each class has its own socket")
	}
}

func TestPool_GetUnknownBroker(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)
	p := createTestPool(t, cluster.ListenAddrs())

	_, err := p.Get(context.Background(), 42, broker.ClassNormal)
	ce, ok := kafka.AsConnectionError(err)
	require.True(t, ok)
	require.Equal(t, int32(42), ce.BrokerID)
}

func TestPool_PipelinedRequests(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"orders": 1})
	p := createTestPool(t, cluster.ListenAddrs(), broker.WithMaxInflight(4))

	c, err := p.Any(context.Background(), broker.ClassNormal)
	require.NoError(t, err)

	promises := make([]*broker.Promise, 0, 32)
	for i := 0; i < 32; i++ {
		promises = append(promises, c.Send(metadataRequest("orders")))
	}
	for _, pr := range promises {
		resp, err := pr.Wait(context.Background())
		require.NoError(t, err)
		require.IsType(t, &kmsg.MetadataResponse{}, resp)
	}
	require.Zero(t, c.Outstanding())
}

func TestPool_ConcurrentGetDialsOnce(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)
	p := createTestPool(t, cluster.ListenAddrs())

	var wg sync.WaitGroup
	conns := make([]*broker.Conn, 16)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Any(context.Background(), broker.ClassNormal)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range conns[1:] {
		require.Same(t, conns[0], c)
	}
	require.Equal(t, 1, p.Stats().Connections)
}

func TestPool_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := createTestPool(t, []string{addr}, broker.WithDialAttempts(2), broker.WithDialTimeout(time.Second))

	start := time.Now()
	_, err = p.RequestAny(context.Background(), metadataRequest())
	ce, ok := kafka.AsConnectionError(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, addr, ce.Addr)
	require.True(t, kafka.IsRetriable(err))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "second attempt waits for the backoff")
}

func TestPool_ConnectionLostFailsOutstanding(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)
	p := createTestPool(t, cluster.ListenAddrs())

	c, err := p.Any(context.Background(), broker.ClassNormal)
	require.NoError(t, err)

	cluster.ControlKey(
		int16(kmsg.Metadata), func(kmsg.Request) (kmsg.Response, error, bool) {
			return nil, errors.New("drop connection"), true
		},
	)

	_, err = c.Request(context.Background(), metadataRequest())
	require.ErrorIs(t, err, kafka.ErrConnectionLost)
	require.True(t, kafka.IsRetriable(err))

	select {
	case <-c.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not marked dead")
	}
	require.False(t, c.Alive())
	require.Error(t, c.Err())

	resp, err := p.RequestAny(context.Background(), metadataRequest())
	require.NoError(t, err, "pool redials after the loss")
	require.NotNil(t, resp)
}

func TestPool_Close(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)
	p := createTestPool(t, cluster.ListenAddrs())

	c, err := p.Any(context.Background(), broker.ClassNormal)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.False(t, c.Alive())

	_, err = p.Any(context.Background(), broker.ClassNormal)
	require.ErrorIs(t, err, kafka.ErrClosed)

	_, err = c.Request(context.Background(), metadataRequest())
	require.ErrorIs(t, err, kafka.ErrConnectionLost)
}

func TestPromise_WaitHonoursContext(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)
	p := createTestPool(t, cluster.ListenAddrs())

	c, err := p.Any(context.Background(), broker.ClassNormal)
	require.NoError(t, err)

	release := make(chan struct{})
	cluster.ControlKey(
		int16(kmsg.Metadata), func(kmsg.Request) (kmsg.Response, error, bool) {
			<-release
			return nil, nil, false
		},
	)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	pr := c.Send(metadataRequest())
	_, err = pr.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
