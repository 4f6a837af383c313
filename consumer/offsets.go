package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/errgroup"
)

const (
	resolveTimeout = 30 * time.Second

	listEarliest int64 = -2
	listLatest   int64 = -1
)

type resolveRequest struct {
	tp      kafka.TopicPartition
	gen     uint64
	reset   kafka.OffsetReset
	fromLog bool
}

// resolveOffsets finds starting positions: the group's committed offset
// first, then the reset policy applied to the log.
func (c *Consumer) resolveOffsets(reqs []resolveRequest) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, resolveTimeout)
	defer cancel()

	found := make(map[kafka.TopicPartition]kafka.Offset)
	failed := make(map[kafka.TopicPartition]error)

	if c.coord != nil {
		var need []kafka.TopicPartition
		for _, r := range reqs {
			if !r.fromLog {
				need = append(need, r.tp)
			}
		}
		committed, err := c.coord.FetchOffsets(ctx, need)
		for _, tp := range need {
			if err != nil {
				failed[tp] = err
			} else if off, ok := committed[tp]; ok {
				found[tp] = off
			}
		}
	}

	want := make(map[kafka.TopicPartition]int64)
	for _, r := range reqs {
		if _, ok := found[r.tp]; ok {
			continue
		}
		if _, ok := failed[r.tp]; ok {
			continue
		}
		switch r.reset {
		case kafka.OffsetResetEarliest:
			want[r.tp] = listEarliest
		case kafka.OffsetResetLatest:
			want[r.tp] = listLatest
		}
	}
	listed, listFailed := c.listOffsets(ctx, want)
	for tp, off := range listed {
		found[tp] = off
	}
	for tp, err := range listFailed {
		failed[tp] = err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, r := range reqs {
		ps := c.parts[r.tp]
		if ps == nil || ps.gen != r.gen {
			continue
		}
		ps.resolving = false

		if off, ok := found[r.tp]; ok {
			ps.resolved(off, c.cfg.AutoOffsetReset)
			c.logger.Debug("partition position resolved", "topic", r.tp.Topic, "partition", r.tp.Partition, "offset", off.Offset)
			continue
		}
		if err, ok := failed[r.tp]; ok {
			if c.ctx.Err() == nil {
				c.logger.Warn("offset lookup failed", "topic", r.tp.Topic, "partition", r.tp.Partition, "error", err)
			}
			c.delayLocked(ps, now)
			continue
		}
		// No committed offset and the policy is none.
		c.pollErr = fmt.Errorf("%w: %s", kafka.ErrNoOffset, r.tp)
		c.delayLocked(ps, now)
	}
	c.scheduleLocked()
	c.signalLocked()
}

// listOffsets looks up log offsets by timestamp, one ListOffsets request per
// partition leader.
func (c *Consumer) listOffsets(
	ctx context.Context, want map[kafka.TopicPartition]int64,
) (map[kafka.TopicPartition]kafka.Offset, map[kafka.TopicPartition]error) {
	found := make(map[kafka.TopicPartition]kafka.Offset)
	failed := make(map[kafka.TopicPartition]error)
	if len(want) == 0 {
		return found, failed
	}

	topics := make(map[string]*metadata.Topic)
	byLeader := make(map[int32][]kafka.TopicPartition)
	for tp := range want {
		t, ok := topics[tp.Topic]
		if !ok {
			var err error
			if t, err = c.meta.Resolve(ctx, tp.Topic); err != nil {
				failed[tp] = err
				continue
			}
			topics[tp.Topic] = t
		}
		leader, ok := t.Leader(tp.Partition)
		if !ok {
			failed[tp] = kafka.NewStaleMetadataError(tp.Topic, tp.Partition, kerr.LeaderNotAvailable)
			c.meta.Invalidate(tp.Topic)
			continue
		}
		byLeader[leader] = append(byLeader[leader], tp)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for leader, tps := range byLeader {
		g.Go(
			func() error {
				offs, errs := c.listLeader(ctx, leader, tps, want)
				mu.Lock()
				defer mu.Unlock()
				for tp, off := range offs {
					found[tp] = off
				}
				for tp, err := range errs {
					failed[tp] = err
				}
				return nil
			},
		)
	}
	_ = g.Wait()
	return found, failed
}

func (c *Consumer) listLeader(
	ctx context.Context, leader int32, tps []kafka.TopicPartition, want map[kafka.TopicPartition]int64,
) (map[kafka.TopicPartition]kafka.Offset, map[kafka.TopicPartition]error) {
	found := make(map[kafka.TopicPartition]kafka.Offset, len(tps))
	failed := make(map[kafka.TopicPartition]error)

	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	byTopic := make(map[string]int)
	for _, tp := range tps {
		i, ok := byTopic[tp.Topic]
		if !ok {
			i = len(req.Topics)
			byTopic[tp.Topic] = i
			t := kmsg.NewListOffsetsRequestTopic()
			t.Topic = tp.Topic
			req.Topics = append(req.Topics, t)
		}
		p := kmsg.NewListOffsetsRequestTopicPartition()
		p.Partition = tp.Partition
		p.CurrentLeaderEpoch = -1
		p.Timestamp = want[tp]
		req.Topics[i].Partitions = append(req.Topics[i].Partitions, p)
	}

	resp, err := c.pool.Request(ctx, leader, broker.ClassNormal, req)
	if err != nil {
		for _, tp := range tps {
			failed[tp] = err
		}
		return found, failed
	}

	for _, t := range resp.(*kmsg.ListOffsetsResponse).Topics {
		for _, p := range t.Partitions {
			tp := kafka.TopicPartition{Topic: t.Topic, Partition: p.Partition}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				failed[tp] = err
				if kafka.IsStaleLeader(err) {
					c.meta.Invalidate(tp.Topic)
				}
				continue
			}
			found[tp] = kafka.Offset{Offset: p.Offset, LeaderEpoch: p.LeaderEpoch}
		}
	}
	for _, tp := range tps {
		_, ok := found[tp]
		_, bad := failed[tp]
		if !ok && !bad {
			failed[tp] = errMissingResult
		}
	}
	return found, failed
}
