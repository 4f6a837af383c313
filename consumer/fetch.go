package consumer

import (
	"errors"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/internal/batch"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.opentelemetry.io/otel/metric"
)

type fetchPartition struct {
	tp     kafka.TopicPartition
	offset int64
	epoch  int32
	gen    uint64
}

// scheduleLocked starts offset lookups for unresolved partitions and one
// fetch per leader for partitions with nothing buffered. It never blocks.
func (c *Consumer) scheduleLocked() {
	if c.closed || c.assigning {
		return
	}

	now := time.Now()
	var resolve []resolveRequest
	leaders := make(map[int32][]fetchPartition)
	for _, tp := range c.order {
		ps := c.parts[tp]
		switch {
		case ps.needsOffset(now):
			ps.resolving = true
			resolve = append(resolve, resolveRequest{tp: tp, gen: ps.gen, reset: ps.reset, fromLog: ps.fromLog})

		case ps.fetchable(now):
			t, _ := c.meta.Cached(tp.Topic)
			if t == nil {
				c.meta.RefreshAsync(tp.Topic)
				c.delayLocked(ps, now)
				continue
			}
			part, ok := t.Partition(tp.Partition)
			if !ok || !part.Routable() {
				c.meta.Invalidate(tp.Topic)
				c.meta.RefreshAsync(tp.Topic)
				c.delayLocked(ps, now)
				continue
			}
			if c.fetching[part.Leader] {
				continue
			}
			leaders[part.Leader] = append(
				leaders[part.Leader],
				fetchPartition{tp: tp, offset: ps.position, epoch: part.LeaderEpoch, gen: ps.gen},
			)
		}
	}

	if len(resolve) > 0 {
		c.wg.Add(1)
		go c.resolveOffsets(resolve)
	}
	for leader, fps := range leaders {
		c.fetching[leader] = true
		for _, fp := range fps {
			c.parts[fp.tp].fetching = true
		}
		c.wg.Add(1)
		go c.fetch(leader, fps)
	}
}

// delayLocked backs ps off and schedules another pass once the delay is over.
func (c *Consumer) delayLocked(ps *partitionState, now time.Time) {
	d := ps.backoff(now, c.cfg.RetryBackoff)
	c.sched.AfterFunc(d, c.kick)
}

func (c *Consumer) kick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleLocked()
}

func (c *Consumer) fetchRequest(fps []fetchPartition) *kmsg.FetchRequest {
	req := kmsg.NewPtrFetchRequest()
	req.ReplicaID = -1
	req.MaxWaitMillis = int32(c.cfg.FetchMaxWait.Milliseconds())
	req.MinBytes = c.cfg.FetchMinBytes
	req.MaxBytes = c.cfg.FetchMaxBytes
	req.SessionID = 0
	req.SessionEpoch = -1

	byTopic := make(map[string]int)
	for _, fp := range fps {
		i, ok := byTopic[fp.tp.Topic]
		if !ok {
			i = len(req.Topics)
			byTopic[fp.tp.Topic] = i
			t := kmsg.NewFetchRequestTopic()
			t.Topic = fp.tp.Topic
			req.Topics = append(req.Topics, t)
		}
		p := kmsg.NewFetchRequestTopicPartition()
		p.Partition = fp.tp.Partition
		p.CurrentLeaderEpoch = fp.epoch
		p.FetchOffset = fp.offset
		p.LogStartOffset = -1
		p.PartitionMaxBytes = c.cfg.PartitionMaxBytes
		req.Topics[i].Partitions = append(req.Topics[i].Partitions, p)
	}
	return req
}

// fetch runs one fetch against leader and folds the result into the
// partition buffers. It outlives the Poll that started it.
func (c *Consumer) fetch(leader int32, fps []fetchPartition) {
	defer c.wg.Done()

	start := time.Now()
	resp, err := c.sendFetch(leader, c.fetchRequest(fps))
	status := otel.StatusSuccess
	if err != nil {
		status = otel.StatusFailed
	}
	c.tel.FetchDuration.Record(
		c.ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrBroker.Int64(int64(leader)), otel.AttrStatus.String(status)),
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.fetching, leader)
	if err == nil {
		err = kerr.ErrorForCode(resp.ErrorCode)
	}
	if err != nil {
		c.fetchFailedLocked(leader, fps, err)
	} else {
		c.applyFetchLocked(fps, resp)
	}
	c.scheduleLocked()
	c.signalLocked()
}

func (c *Consumer) sendFetch(leader int32, req *kmsg.FetchRequest) (*kmsg.FetchResponse, error) {
	conn, err := c.pool.Get(c.ctx, leader, broker.ClassFetch)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Send(req).Wait(c.ctx)
	if err != nil {
		return nil, err
	}
	return resp.(*kmsg.FetchResponse), nil
}

func (c *Consumer) fetchFailedLocked(leader int32, fps []fetchPartition, err error) {
	if c.closed {
		for _, fp := range fps {
			if ps := c.parts[fp.tp]; ps != nil {
				ps.fetching = false
			}
		}
		return
	}

	c.logger.Warn("fetch failed", "broker", leader, "partitions", len(fps), "error", err)
	c.tel.Errors.Add(c.ctx, 1, metric.WithAttributes(otel.AttrComponent.String("consumer")))

	now := time.Now()
	refreshed := make(map[string]bool)
	for _, fp := range fps {
		ps := c.parts[fp.tp]
		if ps == nil {
			continue
		}
		ps.fetching = false
		if ps.gen != fp.gen {
			continue
		}
		if kafka.IsRetriable(err) && !refreshed[fp.tp.Topic] {
			refreshed[fp.tp.Topic] = true
			c.meta.RefreshAsync(fp.tp.Topic)
		}
		c.delayLocked(ps, now)
	}
}

func (c *Consumer) applyFetchLocked(fps []fetchPartition, resp *kmsg.FetchResponse) {
	results := make(map[kafka.TopicPartition]*kmsg.FetchResponseTopicPartition)
	for i := range resp.Topics {
		t := &resp.Topics[i]
		for j := range t.Partitions {
			p := &t.Partitions[j]
			results[kafka.TopicPartition{Topic: t.Topic, Partition: p.Partition}] = p
		}
	}

	now := time.Now()
	for _, fp := range fps {
		ps := c.parts[fp.tp]
		if ps == nil {
			continue
		}
		ps.fetching = false
		if ps.gen != fp.gen {
			continue
		}
		// Brokers leave partitions out once the response hits FetchMaxBytes.
		if r, ok := results[fp.tp]; ok {
			c.applyPartitionLocked(ps, fp, r, now)
		}
	}
}

func (c *Consumer) applyPartitionLocked(
	ps *partitionState, fp fetchPartition, r *kmsg.FetchResponseTopicPartition, now time.Time,
) {
	tp := fp.tp
	err := kerr.ErrorForCode(r.ErrorCode)
	switch {
	case err == nil:
		recs, derr := batch.Decode(tp.Topic, tp.Partition, r.RecordBatches)
		if derr != nil {
			c.logger.Error("record batch decode failed", "topic", tp.Topic, "partition", tp.Partition, "offset", fp.offset, "error", derr)
			if len(recs) == 0 {
				c.delayLocked(ps, now)
				return
			}
		}

		ps.hwm = r.HighWatermark
		ps.attempts = 0
		kept := recs[:0]
		for _, rec := range recs {
			// A batch starts before the requested offset when it was fetched mid-batch.
			if rec.Offset >= fp.offset {
				kept = append(kept, rec)
			}
		}
		if len(kept) > 0 {
			ps.buffer = kept
			return
		}
		// Only control batches or compacted records: step over them.
		if next := batch.NextOffset(r.RecordBatches); next > ps.position {
			ps.position = next
		}

	case errors.Is(err, kerr.OffsetOutOfRange):
		c.logger.Warn(
			"fetch offset out of range, resetting",
			"topic", tp.Topic, "partition", tp.Partition, "offset", fp.offset, "reset", c.cfg.AutoOffsetReset,
		)
		ps.resetTo(c.cfg.AutoOffsetReset)

	case kafka.IsStaleLeader(err):
		c.logger.Debug("fetch hit a stale leader", "topic", tp.Topic, "partition", tp.Partition, "error", err)
		c.meta.Invalidate(tp.Topic)
		c.meta.RefreshAsync(tp.Topic)
		c.delayLocked(ps, now)

	default:
		c.logger.Warn("partition fetch failed", "topic", tp.Topic, "partition", tp.Partition, "error", err)
		c.delayLocked(ps, now)
	}
}
