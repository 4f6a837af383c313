// Package mock provides in-memory kafka.Producer and kafka.Consumer doubles
// for testing code built on the client.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hugolhafner/go-pubsub/kafka"
)

var _ kafka.Producer = (*Producer)(nil)

// ProducedRecord is a record accepted by the mock producer with the
// partition and offset it was given.
type ProducedRecord struct {
	kafka.Record
	Offset int64
}

// Producer stores every record it is sent. Delivery callbacks run before
// Send returns.
type Producer struct {
	mu sync.RWMutex

	records    []ProducedRecord
	next       map[kafka.TopicPartition]int64
	partitions int32

	sendErr     func(rec kafka.Record) error
	deliveryErr func(rec kafka.Record) error

	flushes int
	closed  bool
}

func NewProducer(opts ...ProducerOption) *Producer {
	p := &Producer{
		next:       make(map[kafka.TopicPartition]int64),
		partitions: 1,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Send stores a copy of rec and reports its delivery to cb.
func (p *Producer) Send(ctx context.Context, rec kafka.Record, cb kafka.DeliveryCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return kafka.ErrClosed
	}
	if p.sendErr != nil {
		if err := p.sendErr(rec); err != nil {
			p.mu.Unlock()
			return err
		}
	}

	stored := copyRecord(rec)
	if stored.Partition < 0 {
		stored.Partition = p.partitionFor(stored.Key)
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	var deliveryErr error
	if p.deliveryErr != nil {
		deliveryErr = p.deliveryErr(rec)
	}

	offset := int64(-1)
	if deliveryErr == nil {
		tp := stored.TopicPartition()
		offset = p.next[tp]
		p.next[tp] = offset + 1
		p.records = append(p.records, ProducedRecord{Record: stored, Offset: offset})
	}
	p.mu.Unlock()

	if cb != nil {
		cb(stored, offset, deliveryErr)
	}
	return nil
}

func (p *Producer) partitionFor(key []byte) int32 {
	if key == nil || p.partitions == 1 {
		return 0
	}
	return int32(xxhash.Sum64(key) % uint64(p.partitions))
}

// Flush has nothing to wait for; it reports 0 undelivered records.
func (p *Producer) Flush(ctx context.Context) (int, error) {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, nil
}

// Close marks the producer as closed.
func (p *Producer) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

// SetSendError configures an error to be returned on all Send calls.
// Pass nil to clear the error.
func (p *Producer) SetSendError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.sendErr = nil
	} else {
		p.sendErr = func(kafka.Record) error { return err }
	}
}

// SetSendErrorFunc configures a function to determine Send errors.
func (p *Producer) SetSendErrorFunc(fn func(rec kafka.Record) error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sendErr = fn
}

// SetDeliveryErrorFunc configures a function to determine delivery failures.
func (p *Producer) SetDeliveryErrorFunc(fn func(rec kafka.Record) error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deliveryErr = fn
}

// ProducedRecords returns a copy of all records that have been delivered.
func (p *Producer) ProducedRecords() []ProducedRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]ProducedRecord, len(p.records))
	copy(result, p.records)
	return result
}

// ProducedRecordsForTopic returns all records produced to a specific topic.
func (p *Producer) ProducedRecordsForTopic(topic string) []ProducedRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []ProducedRecord
	for _, r := range p.records {
		if r.Topic == topic {
			result = append(result, r)
		}
	}
	return result
}

func (p *Producer) Flushes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.flushes
}

// IsClosed returns whether Close has been called.
func (p *Producer) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.closed
}

// Reset clears produced records and reopens the producer.
func (p *Producer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = nil
	p.next = make(map[kafka.TopicPartition]int64)
	p.flushes = 0
	p.closed = false
}

func copyRecord(r kafka.Record) kafka.Record {
	out := r
	out.Key = cloneBytes(r.Key)
	out.Value = cloneBytes(r.Value)
	if r.Headers != nil {
		out.Headers = make([]kafka.Header, len(r.Headers))
		for i, h := range r.Headers {
			out.Headers[i] = kafka.Header{Key: h.Key, Value: cloneBytes(h.Value)}
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
