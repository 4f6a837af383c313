package consumer

import (
	"context"
	"time"

	"github.com/hugolhafner/go-pubsub/group"
	"github.com/hugolhafner/go-pubsub/kafka"
)

const commitTimeout = 30 * time.Second

// Commit stores the position of every assigned partition that moved since
// its last commit.
func (c *Consumer) Commit(ctx context.Context) error {
	if err := c.canCommit(); err != nil {
		return err
	}
	return c.commitPositions(ctx, nil)
}

// CommitOffsets stores offsets as given. Each offset is the next one to
// consume, one past the last processed record.
func (c *Consumer) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if err := c.canCommit(); err != nil {
		return err
	}
	return c.commit(ctx, offsets)
}

// CommitAsync commits in the background and reports to cb, which may be
// nil. A nil offsets map commits the current positions.
func (c *Consumer) CommitAsync(
	offsets map[kafka.TopicPartition]kafka.Offset, cb func(map[kafka.TopicPartition]kafka.Offset, error),
) {
	if cb == nil {
		cb = func(map[kafka.TopicPartition]kafka.Offset, error) {}
	}
	if err := c.canCommit(); err != nil {
		cb(offsets, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cb(offsets, kafka.ErrClosed)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, commitTimeout)
		defer cancel()

		if offsets == nil {
			offsets = c.uncommitted(nil)
		}
		cb(offsets, c.commit(ctx, offsets))
	}()
}

func (c *Consumer) canCommit() error {
	if c.coord == nil {
		return errNoGroup
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kafka.ErrClosed
	}
	return nil
}

// Committed returns the group's stored offsets for tps; partitions without
// one are absent.
func (c *Consumer) Committed(ctx context.Context, tps []kafka.TopicPartition) (map[kafka.TopicPartition]kafka.Offset, error) {
	if c.coord == nil {
		return nil, errNoGroup
	}
	return c.coord.FetchOffsets(ctx, tps)
}

func (c *Consumer) commitPositions(ctx context.Context, only []kafka.TopicPartition) error {
	return c.commit(ctx, c.uncommitted(only))
}

// uncommitted collects the positions of only, or of every partition when
// only is nil, that differ from what this consumer last committed.
func (c *Consumer) uncommitted(only []kafka.TopicPartition) map[kafka.TopicPartition]kafka.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()

	if only == nil {
		only = c.order
	}
	out := make(map[kafka.TopicPartition]kafka.Offset)
	for _, tp := range only {
		ps, ok := c.parts[tp]
		if !ok || ps.position < 0 || ps.position == ps.committed {
			continue
		}
		out[tp] = kafka.Offset{Offset: ps.position, LeaderEpoch: ps.epoch}
	}
	return out
}

func (c *Consumer) commit(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if len(offsets) == 0 {
		return nil
	}
	if err := c.coord.CommitOffsets(ctx, offsets); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for tp, off := range offsets {
		if ps, ok := c.parts[tp]; ok {
			ps.committed = off.Offset
		}
	}
	return nil
}

func (c *Consumer) autoCommitLoop() {
	defer c.wg.Done()

	for range c.committer.C() {
		c.mu.Lock()
		subscribed := c.mode == modeSubscribed
		c.mu.Unlock()
		// Mid rebalance the generation is gone; revocation commits instead.
		if subscribed && c.coord.State() != group.StateStable {
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, commitTimeout)
		if err := c.commitPositions(ctx, nil); err != nil {
			c.logger.Warn("auto commit failed", "error", err)
		}
		cancel()
	}
}
