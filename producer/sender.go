package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/internal/batch"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.opentelemetry.io/otel/metric"
)

// recordBatch accumulates records for one partition. Once sealed its records
// never change; wire caches the encoding across attempts.
type recordBatch struct {
	pq      *partitionQueue
	records []pendingRecord
	bytes   int
	created time.Time
	sealed  bool

	wire     []byte
	attempts int
	retryAt  time.Time
	inflight bool

	done   bool
	offset int64
	err    error
}

func (b *recordBatch) finish(offset int64, err error) {
	b.done = true
	b.offset = offset
	b.err = err
}

func (b *recordBatch) kafkaRecords() []kafka.Record {
	out := make([]kafka.Record, len(b.records))
	for i, r := range b.records {
		out[i] = r.rec
	}
	return out
}

// partitionQueue holds a partition's batches oldest first: acknowledged ones
// waiting for older batches, in-flight ones, sealed ones and at most one open
// batch at the tail.
type partitionQueue struct {
	tp       kafka.TopicPartition
	batches  []*recordBatch
	inflight int
	buffered int
}

func (pq *partitionQueue) open() *recordBatch {
	if n := len(pq.batches); n > 0 && !pq.batches[n-1].sealed {
		return pq.batches[n-1]
	}
	return nil
}

// next is the oldest batch not yet sent, nil when the in-flight limit is reached.
func (pq *partitionQueue) next(maxInflight int) *recordBatch {
	if pq.inflight >= maxInflight {
		return nil
	}
	for _, b := range pq.batches {
		if !b.inflight && !b.done {
			return b
		}
	}
	return nil
}

type delivery struct {
	rec    kafka.Record
	cb     kafka.DeliveryCallback
	offset int64
	err    error
	pq     *partitionQueue
}

func (p *Producer) appendLocked(pq *partitionQueue, pr pendingRecord) {
	b := pq.open()
	if b != nil && len(b.records) > 0 && b.bytes+pr.size > p.cfg.BatchMaxBytes {
		p.sealLocked(b)
		b = nil
	}
	if b == nil {
		b = &recordBatch{pq: pq, created: time.Now()}
		pq.batches = append(pq.batches, b)
		if p.cfg.Linger > 0 {
			p.sched.AfterFunc(p.cfg.Linger, p.wakeSender)
		}
	}

	b.records = append(b.records, pr)
	b.bytes += pr.size
	pq.buffered++

	if p.flushing > 0 || len(b.records) >= p.cfg.BatchMaxRecords || b.bytes >= p.cfg.BatchMaxBytes {
		p.sealLocked(b)
	} else if p.cfg.Linger <= 0 {
		p.wakeSender()
	}
}

func (p *Producer) sealLocked(b *recordBatch) {
	if b.sealed {
		return
	}
	b.sealed = true
	if obs, ok := p.cfg.Partitioner.(BatchObserver); ok {
		obs.OnBatchSealed(b.pq.tp.Topic, b.pq.tp.Partition)
	}
	p.wakeSender()
}

func (p *Producer) sendLoop() {
	defer close(p.senderDone)

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wake:
		}
		p.sendReady()
	}
}

// sendReady starts one produce request per leader holding the next batch of
// every partition that may send now.
func (p *Producer) sendReady() {
	now := time.Now()
	byLeader := make(map[int32][]*recordBatch)
	more := false

	p.mu.Lock()
	for _, ts := range p.topics {
		if ts.meta == nil {
			continue
		}
		if t, fresh := p.meta.Cached(ts.name); t != nil && t.PartitionCount() > 0 {
			ts.meta = t
			if !fresh && now.Sub(ts.fetched) >= p.cfg.RetryBackoff.Next(1) {
				p.refreshLocked(ts)
			}
		}

		for _, pq := range ts.partitions {
			b := pq.next(p.cfg.MaxInflightPerPartition)
			if b == nil {
				continue
			}
			if !b.sealed && now.Sub(b.created) < p.cfg.Linger {
				continue
			}
			if b.attempts > 0 && (now.Before(b.retryAt) || ts.refreshing) {
				continue
			}
			p.sealLocked(b)

			leader, ok := ts.meta.Leader(pq.tp.Partition)
			if !ok {
				b.attempts++
				p.retryLocked(b, kafka.NewStaleMetadataError(pq.tp.Topic, pq.tp.Partition, kerr.LeaderNotAvailable))
				continue
			}

			b.attempts++
			b.inflight = true
			pq.inflight++
			p.inflight++
			byLeader[leader] = append(byLeader[leader], b)
			if pq.inflight < p.cfg.MaxInflightPerPartition {
				more = true
			}
		}
	}
	p.mu.Unlock()

	for leader, batches := range byLeader {
		go p.produce(leader, batches)
	}
	if more {
		p.wakeSender()
	}
}

func (p *Producer) produce(leader int32, batches []*recordBatch) {
	req := kmsg.NewPtrProduceRequest()
	req.Acks = int16(p.cfg.Acks)
	req.TimeoutMillis = int32(p.cfg.AckTimeout.Milliseconds())

	topicIdx := make(map[string]int)
	sent := make([]*recordBatch, 0, len(batches))
	for _, b := range batches {
		if b.wire == nil {
			wire, err := batch.Encode(b.kafkaRecords(), p.cfg.Compression)
			if err != nil {
				p.complete(b, -1, fmt.Errorf("producer: encode batch for %s: %w", b.pq.tp, err))
				continue
			}
			b.wire = wire
			p.tel.BatchRecords.Record(
				context.Background(), int64(len(b.records)),
				metric.WithAttributes(otel.AttrTopic.String(b.pq.tp.Topic)),
			)
		}

		i, ok := topicIdx[b.pq.tp.Topic]
		if !ok {
			i = len(req.Topics)
			topicIdx[b.pq.tp.Topic] = i
			rt := kmsg.NewProduceRequestTopic()
			rt.Topic = b.pq.tp.Topic
			req.Topics = append(req.Topics, rt)
		}
		rp := kmsg.NewProduceRequestTopicPartition()
		rp.Partition = b.pq.tp.Partition
		rp.Records = b.wire
		req.Topics[i].Partitions = append(req.Topics[i].Partitions, rp)
		sent = append(sent, b)
	}
	if len(sent) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	conn, err := p.pool.Get(ctx, leader, broker.ClassNormal)
	cancel()
	if err != nil {
		p.retryAll(sent, err)
		return
	}

	start := time.Now()
	promise := conn.Send(req)
	<-promise.Done()
	resp, err := promise.Result()
	p.tel.ProduceDuration.Record(
		context.Background(), time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrBroker.Int(int(leader))),
	)
	if err != nil {
		p.retryAll(sent, err)
		return
	}

	// acks=0 produces no response and no offsets
	if resp == nil {
		for _, b := range sent {
			p.complete(b, -1, nil)
		}
		return
	}

	type result struct {
		offset int64
		err    error
	}
	results := make(map[kafka.TopicPartition]result, len(sent))
	for _, rt := range resp.(*kmsg.ProduceResponse).Topics {
		for _, rp := range rt.Partitions {
			tp := kafka.TopicPartition{Topic: rt.Topic, Partition: rp.Partition}
			results[tp] = result{offset: rp.BaseOffset, err: kerr.ErrorForCode(rp.ErrorCode)}
		}
	}

	for _, b := range sent {
		r, ok := results[b.pq.tp]
		switch {
		case !ok:
			p.retry(b, kafka.NewStaleMetadataError(b.pq.tp.Topic, b.pq.tp.Partition, errors.New("partition missing from produce response")))
		case r.err != nil:
			p.retry(b, r.err)
		default:
			p.complete(b, r.offset, nil)
		}
	}
}

func (p *Producer) endAttemptLocked(b *recordBatch) {
	if !b.inflight {
		return
	}
	b.inflight = false
	b.pq.inflight--
	p.inflight--
}

func (p *Producer) complete(b *recordBatch, offset int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endAttemptLocked(b)
	if !b.done {
		b.finish(offset, err)
		p.collectLocked(b.pq)
	}
	p.wakeSender()
}

func (p *Producer) retryAll(batches []*recordBatch, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range batches {
		p.endAttemptLocked(b)
		p.retryLocked(b, err)
	}
	p.wakeSender()
}

func (p *Producer) retry(b *recordBatch, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endAttemptLocked(b)
	p.retryLocked(b, err)
	p.wakeSender()
}

// retryLocked schedules another attempt of b after a failed one, or fails
// the batch when err is fatal or the attempts are used up. Stale routing
// and lost connections invalidate the topic's metadata first.
func (p *Producer) retryLocked(b *recordBatch, err error) {
	if b.done {
		return
	}
	tp := b.pq.tp

	if isRoutingError(err) {
		p.meta.Invalidate(tp.Topic)
		if ts := p.topics[tp.Topic]; ts != nil {
			p.refreshLocked(ts)
		}
	}

	if !kafka.IsRetriable(err) || b.attempts >= p.cfg.MaxAttempts {
		p.logger.Warn(
			"batch failed", "topic", tp.Topic, "partition", tp.Partition,
			"records", len(b.records), "attempts", b.attempts, "error", err,
		)
		p.tel.Errors.Add(context.Background(), 1, metric.WithAttributes(otel.AttrComponent.String("producer")))
		b.finish(-1, err)
		p.collectLocked(b.pq)
		return
	}

	delay := p.cfg.RetryBackoff.Next(uint(b.attempts))
	b.retryAt = time.Now().Add(delay)
	p.sched.AfterFunc(delay, p.wakeSender)
	p.tel.ProduceRetries.Add(context.Background(), 1, metric.WithAttributes(otel.AttrTopic.String(tp.Topic)))
	p.logger.Debug(
		"retrying batch", "topic", tp.Topic, "partition", tp.Partition,
		"attempt", b.attempts, "backoff", delay, "error", err,
	)
}

func isRoutingError(err error) bool {
	if kafka.IsStaleLeader(err) || errors.Is(err, kafka.ErrConnectionLost) {
		return true
	}
	_, ok := kafka.AsConnectionError(err)
	return ok
}

// collectLocked hands the finished batches at the head of pq to the delivery
// goroutine, preserving send order within the partition.
func (p *Producer) collectLocked(pq *partitionQueue) {
	for len(pq.batches) > 0 && pq.batches[0].done {
		b := pq.batches[0]
		pq.batches[0] = nil
		pq.batches = pq.batches[1:]

		for i, r := range b.records {
			off := int64(-1)
			if b.err == nil && b.offset >= 0 {
				off = b.offset + int64(i)
			}
			p.queueDeliveryLocked(delivery{rec: r.rec, cb: r.cb, offset: off, err: b.err, pq: pq})
		}

		status := otel.StatusSuccess
		if b.err != nil {
			status = otel.StatusFailed
		}
		p.tel.MessagesProduced.Add(
			context.Background(), int64(len(b.records)),
			metric.WithAttributes(otel.AttrTopic.String(pq.tp.Topic), otel.AttrStatus.String(status)),
		)
	}
}

func (p *Producer) queueDeliveryLocked(d delivery) {
	p.deliveries = append(p.deliveries, d)
	select {
	case p.deliverCh <- struct{}{}:
	default:
	}
}

// deliverLoop runs delivery callbacks one at a time in queue order. It
// exits after Close once every queued report went out.
func (p *Producer) deliverLoop() {
	defer close(p.deliverDone)

	for {
		select {
		case <-p.deliverCh:
			p.runDeliveries()
		case <-p.stopCh:
			p.runDeliveries()
			return
		}
	}
}

func (p *Producer) runDeliveries() {
	for {
		p.mu.Lock()
		ds := p.deliveries
		p.deliveries = nil
		p.mu.Unlock()
		if len(ds) == 0 {
			return
		}

		for _, d := range ds {
			if d.cb != nil {
				d.cb(d.rec, d.offset, d.err)
			}
		}

		p.mu.Lock()
		for _, d := range ds {
			if d.pq != nil {
				d.pq.buffered--
			}
			if d.err != nil {
				p.failed++
			} else {
				p.delivered++
			}
		}
		p.addOutstandingLocked(-len(ds))
		close(p.space)
		p.space = make(chan struct{})
		p.mu.Unlock()
	}
}
