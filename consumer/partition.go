package consumer

import (
	"time"

	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/kafka"
)

// partitionState is owned by the consumer lock.
type partitionState struct {
	tp kafka.TopicPartition
	// position is the next offset handed to the application, -1 until resolved.
	position int64
	epoch    int32
	// reset applies while position is unresolved. fromLog skips the
	// committed offset and resolves straight from the log.
	reset   kafka.OffsetReset
	fromLog bool

	// gen changes whenever position is moved from outside the fetch path, so
	// late results for the old position are dropped.
	gen       uint64
	resolving bool
	fetching  bool
	paused    bool
	// revoking is set while the partition is being handed back to the group;
	// nothing more is fetched or handed out for it.
	revoking bool
	retryAt   time.Time
	attempts  uint

	buffer    []kafka.ConsumerRecord
	hwm       int64
	eof       bool
	committed int64
}

func newPartitionState(tp kafka.TopicPartition, gen uint64, reset kafka.OffsetReset) *partitionState {
	return &partitionState{
		tp:        tp,
		position:  -1,
		epoch:     -1,
		reset:     reset,
		gen:       gen,
		hwm:       -1,
		committed: -1,
	}
}

// discard forgets buffered data and outstanding work for the current position.
func (ps *partitionState) discard(gen uint64) {
	ps.gen = gen
	ps.buffer = nil
	ps.hwm = -1
	ps.eof = false
	ps.resolving = false
	ps.retryAt = time.Time{}
	ps.attempts = 0
}

func (ps *partitionState) resetTo(r kafka.OffsetReset) {
	ps.position = -1
	ps.epoch = -1
	ps.reset = r
	ps.fromLog = true
}

func (ps *partitionState) resolved(off kafka.Offset, reset kafka.OffsetReset) {
	ps.position = off.Offset
	ps.epoch = off.LeaderEpoch
	ps.reset = reset
	ps.fromLog = false
	ps.attempts = 0
}

func (ps *partitionState) needsOffset(now time.Time) bool {
	return ps.position < 0 && !ps.revoking && !ps.resolving && !now.Before(ps.retryAt)
}

func (ps *partitionState) fetchable(now time.Time) bool {
	return ps.position >= 0 && !ps.paused && !ps.revoking && !ps.fetching && len(ps.buffer) == 0 && !now.Before(ps.retryAt)
}

// atEnd reports a position that just caught up with the high watermark.
func (ps *partitionState) atEnd() bool {
	return !ps.eof && len(ps.buffer) == 0 && ps.position >= 0 && ps.hwm >= 0 && ps.position >= ps.hwm
}

// backoff pushes the next attempt out and returns the delay.
func (ps *partitionState) backoff(now time.Time, b retry.Backoff) time.Duration {
	ps.attempts++
	d := b.Next(ps.attempts)
	ps.retryAt = now.Add(d)
	return d
}
