//go:build unit

package kafkatest_test

import (
	"context"
	"testing"
	"time"

	"github.com/hugolhafner/go-pubsub/internal/kafkatest"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestReferenceClient_NegotiatesWithCluster(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"ref": 2})
	cl := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cl.Ping(ctx))

	maxAPIVersions, ok := kafkatest.ReferenceVersions().LookupMaxKeyVersion(int16(kmsg.ApiVersions))
	require.True(t, ok)
	require.LessOrEqual(t, maxAPIVersions, int16(3))
}

func TestReferenceClient_ProduceConsume(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"ref": 2})
	cl := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())

	kafkatest.Produce(t, cl, "ref", 0, "a", "b")
	kafkatest.Produce(t, cl, "ref", 1, "c")

	recs := kafkatest.Consume(t, cluster.ListenAddrs(), 3, 10*time.Second, "ref")
	byPartition := make(map[int32][]string)
	for _, r := range recs {
		byPartition[r.Partition] = append(byPartition[r.Partition], string(r.Value))
	}
	require.Equal(t, []string{"a", "b"}, byPartition[0])
	require.Equal(t, []string{"c"}, byPartition[1])
}
