package consumer

import (
	"context"

	"github.com/hugolhafner/go-pubsub/group"
	"github.com/hugolhafner/go-pubsub/kafka"
)

var _ group.Handler = groupHandler{}

// groupHandler applies group assignment changes to the consumer and relays
// them to the application's rebalance callback.
type groupHandler struct {
	c *Consumer
}

func (h groupHandler) OnAssigned(_ context.Context, partitions []kafka.TopicPartition) {
	c := h.c
	c.mu.Lock()
	c.setAssignmentLocked(partitions)
	c.assigning = true
	cb := c.rebalance
	c.mu.Unlock()

	c.logger.Info("partitions assigned", "partitions", len(partitions), "generation", c.coord.Generation())
	if cb != nil {
		cb.OnAssigned(partitions)
	}

	c.mu.Lock()
	c.assigning = false
	c.scheduleLocked()
	c.signalLocked()
	c.mu.Unlock()
}

// OnRevoked lets the application finish with the partitions, then commits
// what it consumed while the generation is still valid.
func (h groupHandler) OnRevoked(ctx context.Context, partitions []kafka.TopicPartition) {
	c := h.c
	c.mu.Lock()
	c.fenceLocked(partitions)
	cb := c.rebalance
	c.mu.Unlock()

	if cb != nil {
		cb.OnRevoked(partitions)
	}
	if c.cfg.AutoCommit {
		if err := c.commitPositions(ctx, partitions); err != nil {
			c.logger.Warn("commit on revoke failed", "partitions", len(partitions), "error", err)
		}
	}

	c.mu.Lock()
	c.removeLocked(partitions)
	c.signalLocked()
	c.mu.Unlock()
}

// OnLost drops the partitions without committing; another member may own them already.
func (h groupHandler) OnLost(_ context.Context, partitions []kafka.TopicPartition) {
	c := h.c
	c.mu.Lock()
	c.fenceLocked(partitions)
	cb := c.rebalance
	c.mu.Unlock()

	if cb != nil {
		cb.OnRevoked(partitions)
	}

	c.mu.Lock()
	c.removeLocked(partitions)
	c.signalLocked()
	c.mu.Unlock()
}
