package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
)

var _ kafka.Consumer = (*Consumer)(nil)

// Consumer serves records added with AddRecords to Poll, tracking a
// position and a committed offset per partition like the real consumer.
type Consumer struct {
	mu sync.RWMutex

	recordQueues map[kafka.TopicPartition][]kafka.ConsumerRecord
	// queuePositions index into recordQueues; positions are the matching offsets.
	queuePositions   map[kafka.TopicPartition]int
	positions        map[kafka.TopicPartition]int64
	committedOffsets map[kafka.TopicPartition]kafka.Offset
	commits          int

	subscriptions      []string
	rebalanceCb        kafka.RebalanceCallback
	assignedPartitions []kafka.TopicPartition
	paused             map[kafka.TopicPartition]bool

	maxPollRecords int
	pollDelay      time.Duration

	pollErr   func() error
	commitErr func() error

	closed     bool
	subscribed bool
}

func NewConsumer(opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		recordQueues:     make(map[kafka.TopicPartition][]kafka.ConsumerRecord),
		queuePositions:   make(map[kafka.TopicPartition]int),
		positions:        make(map[kafka.TopicPartition]int64),
		committedOffsets: make(map[kafka.TopicPartition]kafka.Offset),
		paused:           make(map[kafka.TopicPartition]bool),
		maxPollRecords:   10,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Subscribe registers the consumer for topics and assigns every partition
// holding records for them. The callback sees the assignment right away.
func (c *Consumer) Subscribe(topics []string, rebalanceCb kafka.RebalanceCallback) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return kafka.ErrClosed
	}

	c.subscriptions = append([]string(nil), topics...)
	c.rebalanceCb = rebalanceCb
	c.subscribed = true

	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}
	var partitions []kafka.TopicPartition
	for tp := range c.recordQueues {
		if wanted[tp.Topic] {
			partitions = append(partitions, tp)
		}
	}
	sortPartitions(partitions)
	c.assignedPartitions = partitions
	c.mu.Unlock()

	if len(partitions) > 0 && rebalanceCb != nil {
		rebalanceCb.OnAssigned(partitions)
	}
	return nil
}

// Poll returns up to maxPollRecords records round robin across the
// assigned, unpaused partitions. An empty result is not an error.
func (c *Consumer) Poll(ctx context.Context) ([]kafka.ConsumerRecord, error) {
	if c.pollDelay > 0 {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return []kafka.ConsumerRecord{}, nil
			}
			return nil, ctx.Err()
		case <-time.After(c.pollDelay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, kafka.ErrClosed
	}
	if c.pollErr != nil {
		if err := c.pollErr(); err != nil {
			return nil, err
		}
	}

	records := make([]kafka.ConsumerRecord, 0)
	for len(records) < c.maxPollRecords {
		progressMade := false

		for _, tp := range c.assignedPartitions {
			if c.paused[tp] {
				continue
			}
			queue := c.recordQueues[tp]
			pos := c.queuePositions[tp]
			if pos >= len(queue) {
				continue
			}

			rec := queue[pos]
			records = append(records, rec)
			c.queuePositions[tp]++
			c.positions[tp] = rec.Offset + 1
			progressMade = true

			if len(records) >= c.maxPollRecords {
				break
			}
		}

		if !progressMade {
			break
		}
	}

	return records, nil
}

// Commit commits the position of every partition polled from.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := make(map[kafka.TopicPartition]kafka.Offset, len(c.positions))
	for tp, pos := range c.positions {
		offsets[tp] = kafka.NewOffset(pos)
	}
	return c.commitLocked(ctx, offsets)
}

func (c *Consumer) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.commitLocked(ctx, offsets)
}

func (c *Consumer) commitLocked(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return kafka.ErrClosed
	}
	if c.commitErr != nil {
		if err := c.commitErr(); err != nil {
			return err
		}
	}

	for tp, off := range offsets {
		c.committedOffsets[tp] = off
	}
	c.commits++
	return nil
}

// Seek moves the read position of an assigned partition. kafka.OffsetEarliest
// and kafka.OffsetLatest map to the ends of the added records.
func (c *Consumer) Seek(tp kafka.TopicPartition, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.assignedLocked(tp) {
		return fmt.Errorf("%w: %s", kafka.ErrNotAssigned, tp)
	}

	queue := c.recordQueues[tp]
	switch offset {
	case kafka.OffsetEarliest:
		c.queuePositions[tp] = 0
	case kafka.OffsetLatest:
		c.queuePositions[tp] = len(queue)
	default:
		idx := sort.Search(len(queue), func(i int) bool { return queue[i].Offset >= offset })
		c.queuePositions[tp] = idx
	}
	if idx := c.queuePositions[tp]; idx < len(queue) {
		c.positions[tp] = queue[idx].Offset
	} else if len(queue) > 0 {
		c.positions[tp] = queue[len(queue)-1].Offset + 1
	}
	return nil
}

func (c *Consumer) assignedLocked(tp kafka.TopicPartition) bool {
	for _, a := range c.assignedPartitions {
		if a == tp {
			return true
		}
	}
	return false
}

func (c *Consumer) PausePartitions(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.paused[tp] = true
	}
}

func (c *Consumer) ResumePartitions(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		delete(c.paused, tp)
	}
}

// Close marks the consumer as closed and revokes its partitions.
func (c *Consumer) Close(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cb := c.rebalanceCb
	assigned := c.assignedPartitions
	c.assignedPartitions = nil
	c.mu.Unlock()

	if cb != nil && len(assigned) > 0 {
		cb.OnRevoked(assigned)
	}
	return nil
}

// AddRecords adds records to be returned by Poll for a specific topic-partition.
// Records are appended to any existing records for that partition. Offsets
// left at zero continue from the last added record.
func (c *Consumer) AddRecords(topic string, partition int32, records ...kafka.ConsumerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := kafka.TopicPartition{Topic: topic, Partition: partition}
	next := int64(len(c.recordQueues[tp]))
	if q := c.recordQueues[tp]; len(q) > 0 {
		next = q[len(q)-1].Offset + 1
	}

	for i := range records {
		records[i].Topic = topic
		records[i].Partition = partition
		if records[i].Offset == 0 {
			records[i].Offset = next
		}
		next = records[i].Offset + 1
	}

	c.recordQueues[tp] = append(c.recordQueues[tp], records...)
}

// SetPollError configures an error to be returned on all Poll calls.
func (c *Consumer) SetPollError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.pollErr = nil
	} else {
		c.pollErr = func() error { return err }
	}
}

// SetPollErrorFunc configures a function to determine Poll errors.
func (c *Consumer) SetPollErrorFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pollErr = fn
}

// SetCommitError configures an error to be returned on all Commit calls.
func (c *Consumer) SetCommitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.commitErr = nil
	} else {
		c.commitErr = func() error { return err }
	}
}

// TriggerAssign simulates a partition assignment event.
// This calls the OnAssigned callback if one was registered via Subscribe.
func (c *Consumer) TriggerAssign(partitions []kafka.TopicPartition) {
	c.mu.Lock()
	cb := c.rebalanceCb
	for _, tp := range partitions {
		if !c.assignedLocked(tp) {
			c.assignedPartitions = append(c.assignedPartitions, tp)
		}
	}
	sortPartitions(c.assignedPartitions)
	c.mu.Unlock()

	if cb != nil {
		cb.OnAssigned(partitions)
	}
}

// TriggerRevoke simulates a partition revocation event.
// This calls the OnRevoked callback if one was registered via Subscribe.
func (c *Consumer) TriggerRevoke(partitions []kafka.TopicPartition) {
	c.mu.Lock()
	cb := c.rebalanceCb

	revoked := make(map[kafka.TopicPartition]bool, len(partitions))
	for _, p := range partitions {
		revoked[p] = true
	}
	remaining := make([]kafka.TopicPartition, 0, len(c.assignedPartitions))
	for _, assigned := range c.assignedPartitions {
		if !revoked[assigned] {
			remaining = append(remaining, assigned)
		}
	}
	c.assignedPartitions = remaining
	c.mu.Unlock()

	if cb != nil {
		cb.OnRevoked(partitions)
	}
}

// CommittedOffsets returns a copy of all committed offsets.
func (c *Consumer) CommittedOffsets() map[kafka.TopicPartition]kafka.Offset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[kafka.TopicPartition]kafka.Offset, len(c.committedOffsets))
	for k, v := range c.committedOffsets {
		result[k] = v
	}
	return result
}

// CommittedOffset returns the committed offset for a specific topic-partition.
// Returns (offset, true) if committed, (Offset{}, false) otherwise.
func (c *Consumer) CommittedOffset(tp kafka.TopicPartition) (kafka.Offset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	offset, ok := c.committedOffsets[tp]
	return offset, ok
}

// Position returns the next offset Poll returns for tp, if anything was polled or sought.
func (c *Consumer) Position(tp kafka.TopicPartition) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.positions[tp]
	return pos, ok
}

func (c *Consumer) Commits() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.commits
}

// Subscriptions returns the topics the consumer is subscribed to.
func (c *Consumer) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.subscriptions))
	copy(result, c.subscriptions)
	return result
}

// AssignedPartitions returns the currently assigned partitions.
func (c *Consumer) AssignedPartitions() []kafka.TopicPartition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]kafka.TopicPartition, len(c.assignedPartitions))
	copy(result, c.assignedPartitions)
	return result
}

// IsClosed returns whether Close has been called.
func (c *Consumer) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closed
}

// Reset rewinds every partition and forgets commits. Added records and the
// subscription are kept.
func (c *Consumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queuePositions = make(map[kafka.TopicPartition]int)
	c.positions = make(map[kafka.TopicPartition]int64)
	c.committedOffsets = make(map[kafka.TopicPartition]kafka.Offset)
	c.paused = make(map[kafka.TopicPartition]bool)
	c.commits = 0
	c.closed = false
}

func sortPartitions(tps []kafka.TopicPartition) {
	sort.Slice(
		tps, func(i, j int) bool {
			if tps[i].Topic != tps[j].Topic {
				return tps[i].Topic < tps[j].Topic
			}
			return tps[i].Partition < tps[j].Partition
		},
	)
}
