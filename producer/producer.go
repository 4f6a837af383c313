// Package producer batches records per partition and sends the batches to
// partition leaders, reporting each record's outcome through its delivery
// callback.
package producer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/internal/batch"
	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/hugolhafner/go-pubsub/otel"
	"go.opentelemetry.io/otel/trace"
)

var errInvalidPartition = errors.New("producer: partition out of range")

// Pool is the part of the connection pool the producer sends through.
type Pool interface {
	Get(ctx context.Context, id int32, class broker.Class) (*broker.Conn, error)
}

// Metadata is the part of the metadata cache the producer routes with.
type Metadata interface {
	Cached(topic string) (*metadata.Topic, bool)
	Resolve(ctx context.Context, topic string) (*metadata.Topic, error)
	Invalidate(topic string)
}

var (
	_ Pool           = (*broker.Pool)(nil)
	_ Metadata       = (*metadata.Cache)(nil)
	_ kafka.Producer = (*Producer)(nil)
)

// Stats is a point-in-time view of the producer.
type Stats struct {
	// Buffered counts accepted records without a delivery report yet.
	Buffered int
	// Pending counts records waiting for their topic's metadata.
	Pending         int
	InflightBatches int
	Delivered       int64
	Failed          int64
}

type pendingRecord struct {
	rec  kafka.Record
	cb   kafka.DeliveryCallback
	size int
}

type topicState struct {
	name       string
	meta       *metadata.Topic
	partitions map[int32]*partitionQueue
	// pending holds records accepted before the first metadata load completed.
	pending    []pendingRecord
	loading    bool
	refreshing bool
	fetched    time.Time
}

type Producer struct {
	cfg    Config
	logger logger.Logger
	tel    *otel.Telemetry

	pool  Pool
	meta  Metadata
	sched *timer.Scheduler

	mu          sync.Mutex
	topics      map[string]*topicState
	outstanding int
	inflight    int
	delivered   int64
	failed      int64
	closing     bool
	// flushing counts Flush calls in progress; batches opened meanwhile are
	// sealed at once.
	flushing int
	// space is closed and replaced whenever queued records are delivered.
	space chan struct{}
	// idle is closed while nothing is outstanding.
	idle chan struct{}

	deliveries []delivery
	deliverCh  chan struct{}

	wake        chan struct{}
	stopCh      chan struct{}
	senderDone  chan struct{}
	deliverDone chan struct{}
	closeOnce   sync.Once
}

// New starts a producer sending through pool, routed by meta, with its
// linger and retry timers on sched.
func New(pool Pool, meta Metadata, sched *timer.Scheduler, opts ...Option) (*Producer, error) {
	if pool == nil || meta == nil || sched == nil {
		return nil, errors.New("producer: pool, metadata and scheduler are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Partitioner == nil {
		cfg.Partitioner = DefaultPartitioner()
	}
	if cfg.Compression < kafka.CompressionNone || cfg.Compression > kafka.CompressionZstd {
		return nil, fmt.Errorf("producer: unsupported compression %s", cfg.Compression)
	}

	idle := make(chan struct{})
	close(idle)

	p := &Producer{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "producer"),
		tel:         cfg.Telemetry,
		pool:        pool,
		meta:        meta,
		sched:       sched,
		topics:      make(map[string]*topicState),
		space:       make(chan struct{}),
		idle:        idle,
		deliverCh:   make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		senderDone:  make(chan struct{}),
		deliverDone: make(chan struct{}),
	}

	go p.sendLoop()
	go p.deliverLoop()
	return p, nil
}

// Send enqueues rec for delivery. cb, which may be nil, is called exactly
// once from the producer's delivery goroutine with the outcome. Send returns
// kafka.ErrQueueFull when the record's queue stays full past MaxQueueWait
// and kafka.ErrClosed after Close; in both cases cb is never called.
//
// A callback must not block on a full queue: the delivery goroutine is what
// drains it.
func (p *Producer) Send(ctx context.Context, rec kafka.Record, cb kafka.DeliveryCallback) error {
	if rec.Topic == "" {
		return errors.New("producer: record has no topic")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if trace.SpanContextFromContext(ctx).IsValid() {
		rec.Headers = slices.Clone(rec.Headers)
		p.tel.Inject(ctx, &rec.Headers)
	}

	pr := pendingRecord{rec: rec, cb: cb, size: batch.EstimateSize(rec)}

	var waitUntil time.Time
	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return kafka.ErrClosed
		}

		accepted, err := p.enqueueLocked(pr)
		if err != nil || accepted {
			p.mu.Unlock()
			return err
		}
		space := p.space
		p.mu.Unlock()

		if p.cfg.MaxQueueWait <= 0 {
			return kafka.ErrQueueFull
		}
		if waitUntil.IsZero() {
			waitUntil = time.Now().Add(p.cfg.MaxQueueWait)
		}
		if err := waitSpace(ctx, space, waitUntil); err != nil {
			return err
		}
	}
}

func waitSpace(ctx context.Context, space <-chan struct{}, until time.Time) error {
	wait := time.Until(until)
	if wait <= 0 {
		return kafka.ErrQueueFull
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-space:
		return nil
	case <-t.C:
		return kafka.ErrQueueFull
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", kafka.ErrQueueFull, ctx.Err())
	}
}

// enqueueLocked accepts pr unless its queue is full.
func (p *Producer) enqueueLocked(pr pendingRecord) (bool, error) {
	ts := p.topicLocked(pr.rec.Topic)

	if ts.meta == nil && !ts.loading {
		if t, _ := p.meta.Cached(ts.name); t != nil && t.PartitionCount() > 0 {
			ts.meta = t
		}
	}
	if ts.meta == nil {
		if len(ts.pending) >= p.cfg.QueueSize {
			return false, nil
		}
		ts.pending = append(ts.pending, pr)
		p.addOutstandingLocked(1)
		p.loadLocked(ts)
		return true, nil
	}

	part, err := p.partitionLocked(ts, pr.rec)
	if err != nil {
		return false, err
	}
	pq := ts.queue(part)
	if pq.buffered >= p.cfg.QueueSize {
		return false, nil
	}
	pr.rec.Partition = part
	p.addOutstandingLocked(1)
	p.appendLocked(pq, pr)
	return true, nil
}

func (p *Producer) topicLocked(name string) *topicState {
	ts := p.topics[name]
	if ts == nil {
		ts = &topicState{name: name, partitions: make(map[int32]*partitionQueue)}
		p.topics[name] = ts
	}
	return ts
}

func (ts *topicState) queue(partition int32) *partitionQueue {
	pq := ts.partitions[partition]
	if pq == nil {
		pq = &partitionQueue{tp: kafka.TopicPartition{Topic: ts.name, Partition: partition}}
		ts.partitions[partition] = pq
	}
	return pq
}

func (p *Producer) partitionLocked(ts *topicState, rec kafka.Record) (int32, error) {
	n := ts.meta.PartitionCount()
	if rec.Partition >= 0 {
		if int(rec.Partition) >= n {
			return 0, fmt.Errorf("%w: %s has %d partitions, got %d", errInvalidPartition, ts.name, n, rec.Partition)
		}
		return rec.Partition, nil
	}
	return p.cfg.Partitioner.Partition(rec, n, ts.meta.Routable()), nil
}

func (p *Producer) addOutstandingLocked(n int) {
	if n == 0 {
		return
	}
	if p.outstanding == 0 {
		p.idle = make(chan struct{})
	}
	p.outstanding += n
	if p.outstanding == 0 {
		close(p.idle)
	}
}

// loadLocked fetches the topic's metadata in the background, then moves its
// pending records into partition queues.
func (p *Producer) loadLocked(ts *topicState) {
	if ts.loading {
		return
	}
	ts.loading = true
	go p.load(ts)
}

func (p *Producer) load(ts *topicState) {
	t, err := p.resolve(ts.name)

	p.mu.Lock()
	defer p.mu.Unlock()
	ts.loading = false

	if err != nil && ts.meta == nil {
		p.logger.Warn("topic metadata unavailable, failing pending records", "topic", ts.name, "count", len(ts.pending), "error", err)
		for _, pr := range ts.pending {
			p.queueDeliveryLocked(delivery{rec: pr.rec, cb: pr.cb, offset: -1, err: err})
		}
		ts.pending = nil
		return
	}
	if err == nil {
		ts.meta = t
	}
	ts.fetched = time.Now()

	for _, pr := range ts.pending {
		part, perr := p.partitionLocked(ts, pr.rec)
		if perr != nil {
			p.queueDeliveryLocked(delivery{rec: pr.rec, cb: pr.cb, offset: -1, err: perr})
			continue
		}
		pr.rec.Partition = part
		p.appendLocked(ts.queue(part), pr)
	}
	ts.pending = nil
	p.wakeSender()
}

// resolve loads topic metadata, retrying transient failures up to MaxAttempts.
func (p *Producer) resolve(topic string) (*metadata.Topic, error) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
		t, err := p.meta.Resolve(ctx, topic)
		cancel()
		if err == nil && t.PartitionCount() > 0 {
			return t, nil
		}
		if err == nil {
			err = kafka.NewStaleMetadataError(topic, -1, errors.New("topic has no partitions"))
		}
		if attempt >= p.cfg.MaxAttempts || (!kafka.IsRetriable(err) && !errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
		p.logger.Debug("topic metadata load failed, retrying", "topic", topic, "attempt", attempt, "error", err)

		select {
		case <-time.After(p.cfg.RetryBackoff.Next(uint(attempt))):
		case <-p.stopCh:
			return nil, kafka.ErrClosed
		}
	}
}

// refreshLocked re-resolves a loaded topic in the background after its
// snapshot expired or was invalidated.
func (p *Producer) refreshLocked(ts *topicState) {
	if ts.loading || ts.refreshing {
		return
	}
	ts.refreshing = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
		t, err := p.meta.Resolve(ctx, ts.name)
		cancel()

		p.mu.Lock()
		ts.refreshing = false
		ts.fetched = time.Now()
		if err == nil && t.PartitionCount() > 0 {
			ts.meta = t
		} else if err != nil {
			p.logger.Debug("topic metadata refresh failed", "topic", ts.name, "error", err)
		}
		p.mu.Unlock()
		p.wakeSender()
	}()
}

// Flush sends every open batch without waiting for linger and blocks until
// all accepted records got their delivery report or ctx is done. It returns
// the number of records still undelivered.
func (p *Producer) Flush(ctx context.Context) (int, error) {
	p.mu.Lock()
	p.flushing++
	defer func() {
		p.mu.Lock()
		p.flushing--
		p.mu.Unlock()
	}()
	for _, ts := range p.topics {
		for _, pq := range ts.partitions {
			if b := pq.open(); b != nil {
				p.sealLocked(b)
			}
		}
	}
	p.mu.Unlock()
	p.wakeSender()

	for {
		p.mu.Lock()
		n, idle := p.outstanding, p.idle
		p.mu.Unlock()
		if n == 0 {
			return 0, nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			p.mu.Lock()
			n = p.outstanding
			p.mu.Unlock()
			if n == 0 {
				return 0, nil
			}
			return n, ctx.Err()
		}
	}
}

// Close stops accepting records and flushes until ctx is done. Records still
// undelivered then are reported to their callbacks with kafka.ErrClosed.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.deliverDone
		return nil
	}
	p.closing = true
	p.mu.Unlock()

	n, flushErr := p.Flush(ctx)
	if n > 0 {
		p.logger.Warn("closing with undelivered records", "count", n, "error", flushErr)
		p.failAll(kafka.ErrClosed)
	}

	p.closeOnce.Do(func() { close(p.stopCh) })
	<-p.senderDone
	<-p.deliverDone

	if n > 0 {
		return fmt.Errorf("producer: %d records undelivered at close: %w", n, flushErr)
	}
	return nil
}

// failAll reports every record without a delivery report yet with err.
// In-flight batches are abandoned; their late responses are ignored.
func (p *Producer) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ts := range p.topics {
		for _, pr := range ts.pending {
			p.queueDeliveryLocked(delivery{rec: pr.rec, cb: pr.cb, offset: -1, err: err})
		}
		ts.pending = nil

		for _, pq := range ts.partitions {
			for _, b := range pq.batches {
				if !b.done {
					b.finish(-1, err)
				}
			}
			p.collectLocked(pq)
		}
	}
}

func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Buffered:        p.outstanding,
		InflightBatches: p.inflight,
		Delivered:       p.delivered,
		Failed:          p.failed,
	}
	for _, ts := range p.topics {
		s.Pending += len(ts.pending)
	}
	return s
}

func (p *Producer) wakeSender() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// reject accepts rec only to report err through the delivery goroutine.
func (p *Producer) reject(rec kafka.Record, cb kafka.DeliveryCallback, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return kafka.ErrClosed
	}
	p.addOutstandingLocked(1)
	p.queueDeliveryLocked(delivery{rec: rec, cb: cb, offset: -1, err: err})
	return nil
}
