//go:build unit

package kafka_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestConnectionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := kafka.NewConnectionError(2, "localhost:9092", cause)

	require.Contains(t, err.Error(), "broker 2 at localhost:9092")
	require.ErrorIs(t, err, cause)

	ce, ok := kafka.AsConnectionError(fmt.Errorf("produce: %w", err))
	require.True(t, ok)
	require.Equal(t, int32(2), ce.BrokerID)
	require.Equal(t, "localhost:9092", ce.Addr)

	_, ok = kafka.AsStaleMetadataError(err)
	require.False(t, ok)
}

func TestStaleMetadataError(t *testing.T) {
	err := kafka.NewStaleMetadataError("orders", 3, kerr.NotLeaderForPartition)

	require.Contains(t, err.Error(), "orders-3")
	require.ErrorIs(t, err, kerr.NotLeaderForPartition)

	se, ok := kafka.AsStaleMetadataError(err)
	require.True(t, ok)
	require.Equal(t, "orders", se.Topic)
	require.Equal(t, int32(3), se.Partition)
}

func TestSerializationError(t *testing.T) {
	cause := errors.New("invalid utf8")
	err := kafka.NewSerializationError(cause)

	require.Equal(t, "kafka: serialization failed: invalid utf8", err.Error())
	se, ok := kafka.AsSerializationError(err)
	require.True(t, ok)
	require.Equal(t, cause, se.Cause)
	require.False(t, kafka.IsRetriable(err))
}

func TestCommitErrors(t *testing.T) {
	failed := kafka.NewCommitFailedError(kerr.IllegalGeneration)
	_, ok := kafka.AsCommitFailedError(failed)
	require.True(t, ok)
	require.ErrorIs(t, failed, kerr.IllegalGeneration)

	rebalancing := kafka.NewRebalanceInProgressError(kerr.RebalanceInProgress)
	_, ok = kafka.AsRebalanceInProgressError(rebalancing)
	require.True(t, ok)
	_, ok = kafka.AsCommitFailedError(rebalancing)
	require.False(t, ok)
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection lost", fmt.Errorf("read: %w", kafka.ErrConnectionLost), true},
		{"connection error", kafka.NewConnectionError(1, "x:1", errors.New("refused")), true},
		{"stale metadata", kafka.NewStaleMetadataError("t", 0, kerr.NotLeaderForPartition), true},
		{"rebalance", kafka.NewRebalanceInProgressError(kerr.RebalanceInProgress), true},
		{"retriable code", kerr.RequestTimedOut, true},
		{"fatal code", kerr.MessageTooLarge, false},
		{"serialization", kafka.NewSerializationError(errors.New("x")), false},
		{"queue full", kafka.ErrQueueFull, false},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				require.Equal(t, tt.want, kafka.IsRetriable(tt.err))
			},
		)
	}
}

func TestIsStaleLeader(t *testing.T) {
	require.True(t, kafka.IsStaleLeader(kerr.NotLeaderForPartition))
	require.True(t, kafka.IsStaleLeader(kerr.LeaderNotAvailable))
	require.True(t, kafka.IsStaleLeader(kerr.FencedLeaderEpoch))
	require.True(t, kafka.IsStaleLeader(kafka.NewStaleMetadataError("t", 1, errors.New("no leader"))))
	require.False(t, kafka.IsStaleLeader(kerr.OffsetOutOfRange))
	require.False(t, kafka.IsStaleLeader(kafka.ErrConnectionLost))
}

func TestErrorForCode(t *testing.T) {
	require.NoError(t, kafka.ErrorForCode(0))
	require.ErrorIs(t, kafka.ErrorForCode(kerr.NotLeaderForPartition.Code), kerr.NotLeaderForPartition)
}
