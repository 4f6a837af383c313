package kafka

import (
	"context"
)

// DeliveryCallback is invoked exactly once per record accepted by Send. On
// success err is nil and offset is the record's offset in its partition; rec
// carries the partition it was written to.
type DeliveryCallback func(rec Record, offset int64, err error)

type Producer interface {
	// Send enqueues rec. It only returns an error when the record was not
	// accepted, in which case cb is never called.
	Send(ctx context.Context, rec Record, cb DeliveryCallback) error
	// Flush blocks until every accepted record has been acknowledged or ctx is
	// done and returns the number of records still undelivered.
	Flush(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

type Consumer interface {
	Subscribe(topics []string, rebalanceCb RebalanceCallback) error
	Poll(ctx context.Context) ([]ConsumerRecord, error)
	Commit(ctx context.Context) error
	CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error
	Seek(tp TopicPartition, offset int64) error
	PausePartitions(partitions ...TopicPartition)
	ResumePartitions(partitions ...TopicPartition)
	Close(ctx context.Context) error
}

type RebalanceCallback interface {
	OnAssigned(partitions []TopicPartition)
	OnRevoked(partitions []TopicPartition)
}

var _ RebalanceCallback = RebalanceFuncs{}

// RebalanceFuncs adapts a pair of functions to RebalanceCallback; nil fields are skipped.
type RebalanceFuncs struct {
	Assigned func(partitions []TopicPartition)
	Revoked  func(partitions []TopicPartition)
}

func (f RebalanceFuncs) OnAssigned(partitions []TopicPartition) {
	if f.Assigned != nil {
		f.Assigned(partitions)
	}
}

func (f RebalanceFuncs) OnRevoked(partitions []TopicPartition) {
	if f.Revoked != nil {
		f.Revoked(partitions)
	}
}
