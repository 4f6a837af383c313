// Package consumer is the consumer loop: it fetches the assigned partitions
// from their leaders, buffers the records and hands them out through Poll,
// tracking a position per partition that only moves past records the
// application received.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/committer"
	"github.com/hugolhafner/go-pubsub/group"
	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/hugolhafner/go-pubsub/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

var (
	errNoGroup       = errors.New("consumer: a group id is required")
	errAssigned      = errors.New("consumer: partitions are assigned manually")
	errSubscribed    = errors.New("consumer: consumer is subscribed to topics")
	errInvalidOffset = errors.New("consumer: invalid seek offset")
	errMissingResult = errors.New("consumer: broker response is missing the partition")
)

// Pool is the part of the connection pool the consumer and its group use.
type Pool interface {
	group.Pool
	Get(ctx context.Context, id int32, class broker.Class) (*broker.Conn, error)
}

type Metadata interface {
	group.Metadata
	Invalidate(topic string)
}

var (
	_ Pool           = (*broker.Pool)(nil)
	_ Metadata       = (*metadata.Cache)(nil)
	_ kafka.Consumer = (*Consumer)(nil)
)

type mode int8

const (
	modeNone mode = iota
	modeSubscribed
	modeAssigned
)

// Stats is a snapshot of the consumer's partitions.
type Stats struct {
	Assigned int
	Paused   int
	Buffered int
	Consumed int64
}

type Consumer struct {
	cfg    Config
	logger logger.Logger
	tel    *otel.Telemetry

	pool      Pool
	meta      Metadata
	sched     *timer.Scheduler
	coord     *group.Coordinator
	committer committer.Committer

	mu        sync.Mutex
	parts     map[kafka.TopicPartition]*partitionState
	order     []kafka.TopicPartition
	cursor    int
	mode      mode
	rebalance kafka.RebalanceCallback
	// fetching marks brokers with a fetch in flight; each broker gets one at a time.
	fetching map[int32]bool
	// assigning holds back fetches while a rebalance callback runs.
	assigning bool
	gens      uint64
	pollErr   error
	notify    chan struct{}
	consumed  int64
	closed    bool

	// ctx is cancelled by Close and bounds every background request.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a consumer over a shared pool, metadata cache and scheduler.
// With a group id it owns a group coordinator client used by Subscribe and
// the commit operations.
func New(pool Pool, meta Metadata, sched *timer.Scheduler, opts ...Option) (*Consumer, error) {
	if pool == nil || meta == nil || sched == nil {
		return nil, errors.New("consumer: pool, metadata and scheduler are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "consumer"),
		tel:      cfg.Telemetry,
		pool:     pool,
		meta:     meta,
		sched:    sched,
		parts:    make(map[kafka.TopicPartition]*partitionState),
		fetching: make(map[int32]bool),
		notify:   make(chan struct{}),
		ctx:      ctx,
		stop:     stop,
	}
	if cfg.GroupID == "" {
		return c, nil
	}

	c.logger = c.logger.With("group", cfg.GroupID)
	groupOpts := append(
		[]group.Option{group.WithLogger(cfg.Logger), group.WithTelemetry(cfg.Telemetry)},
		cfg.Group...,
	)
	coord, err := group.New(cfg.GroupID, pool, meta, sched, groupHandler{c: c}, groupOpts...)
	if err != nil {
		stop()
		return nil, fmt.Errorf("consumer: %w", err)
	}
	c.coord = coord

	if cfg.AutoCommit {
		c.committer = committer.NewPeriodicCommitter(sched, committer.WithMaxInterval(cfg.AutoCommitInterval))
		c.wg.Add(1)
		go c.autoCommitLoop()
	}
	return c, nil
}

// Subscribe joins the consumer group for topics. Partitions arrive through
// rebalances; cb, which may be nil, sees them before Poll does. Calling it
// again replaces the subscription.
func (c *Consumer) Subscribe(topics []string, cb kafka.RebalanceCallback) error {
	if c.coord == nil {
		return errNoGroup
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return kafka.ErrClosed
	}
	if c.mode == modeAssigned {
		c.mu.Unlock()
		return errAssigned
	}
	c.mode = modeSubscribed
	c.rebalance = cb
	c.mu.Unlock()

	c.logger.Info("subscribing", "topics", topics)
	return c.coord.Subscribe(topics)
}

// Assign consumes exactly tps without group membership. Positions of
// partitions kept from the previous assignment are preserved. An empty tps
// unassigns everything.
func (c *Consumer) Assign(tps []kafka.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return kafka.ErrClosed
	}
	if c.mode == modeSubscribed {
		return errSubscribed
	}

	c.setAssignmentLocked(tps)
	c.mode = modeAssigned
	if len(tps) == 0 {
		c.mode = modeNone
	}
	c.logger.Info("partitions assigned manually", "partitions", len(c.order))
	c.scheduleLocked()
	return nil
}

// setAssignmentLocked replaces the assignment with tps, reusing the state of
// partitions already owned.
func (c *Consumer) setAssignmentLocked(tps []kafka.TopicPartition) {
	parts := make(map[kafka.TopicPartition]*partitionState, len(tps))
	for _, tp := range tps {
		if ps, ok := c.parts[tp]; ok {
			parts[tp] = ps
			continue
		}
		parts[tp] = newPartitionState(tp, c.nextGenLocked(), c.cfg.AutoOffsetReset)
	}
	c.parts = parts
	c.reorderLocked()
}

func (c *Consumer) nextGenLocked() uint64 {
	c.gens++
	return c.gens
}

// fenceLocked stops tps from being fetched or polled and drops what was
// buffered for them, so positions stay at what the application received.
func (c *Consumer) fenceLocked(tps []kafka.TopicPartition) {
	for _, tp := range tps {
		if ps, ok := c.parts[tp]; ok {
			ps.revoking = true
			ps.discard(c.nextGenLocked())
		}
	}
}

func (c *Consumer) removeLocked(tps []kafka.TopicPartition) {
	for _, tp := range tps {
		delete(c.parts, tp)
	}
	c.reorderLocked()
}

func (c *Consumer) reorderLocked() {
	c.order = c.order[:0]
	for tp := range c.parts {
		c.order = append(c.order, tp)
	}
	sort.Slice(
		c.order, func(i, j int) bool {
			if c.order[i].Topic != c.order[j].Topic {
				return c.order[i].Topic < c.order[j].Topic
			}
			return c.order[i].Partition < c.order[j].Partition
		},
	)
	c.cursor = 0
}

// Assignment returns the partitions currently owned, sorted.
func (c *Consumer) Assignment() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.TopicPartition(nil), c.order...)
}

// Poll returns buffered records, waiting for fetches when there are none. It
// gives up after PollTimeout or the ctx deadline, whichever comes first, with
// an empty result and no error. A cancelled ctx returns context.Canceled.
func (c *Consumer) Poll(ctx context.Context) ([]kafka.ConsumerRecord, error) {
	start := time.Now()
	timeout := time.NewTimer(c.cfg.PollTimeout)
	defer timeout.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, kafka.ErrClosed
		}
		if err := c.pollErr; err != nil {
			c.pollErr = nil
			c.mu.Unlock()
			return nil, err
		}
		recs, eofs := c.takeLocked(c.cfg.MaxPollRecords)
		c.scheduleLocked()
		notify := c.notify
		c.mu.Unlock()

		c.fireEOF(eofs)
		if len(recs) > 0 {
			c.observePoll(ctx, start, recs)
			return recs, nil
		}

		select {
		case <-notify:
		case <-timeout.C:
			c.observePoll(ctx, start, nil)
			return []kafka.ConsumerRecord{}, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.observePoll(ctx, start, nil)
				return []kafka.ConsumerRecord{}, nil
			}
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) observePoll(ctx context.Context, start time.Time, recs []kafka.ConsumerRecord) {
	status := otel.StatusSuccess
	if len(recs) == 0 {
		status = otel.StatusEmpty
	}
	c.tel.PollDuration.Record(
		ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrStatus.String(status)),
	)
	if len(recs) == 0 {
		return
	}

	perTopic := make(map[string]int64)
	for _, r := range recs {
		perTopic[r.Topic]++
	}
	for topic, n := range perTopic {
		c.tel.MessagesConsumed.Add(ctx, n, metric.WithAttributes(consumedAttrs(c.cfg.GroupID, topic)...))
	}
	if c.committer != nil {
		c.committer.RecordProcessed(len(recs))
	}
}

func consumedAttrs(groupID, topic string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{otel.AttrTopic.String(topic)}
	if groupID != "" {
		attrs = append(attrs, otel.AttrGroup.String(groupID))
	}
	return attrs
}

type eofEvent struct {
	tp     kafka.TopicPartition
	offset int64
}

// takeLocked hands out up to max buffered records, starting at a rotating
// partition so a busy partition cannot starve the others.
func (c *Consumer) takeLocked(max int) ([]kafka.ConsumerRecord, []eofEvent) {
	var (
		out  []kafka.ConsumerRecord
		eofs []eofEvent
	)
	n := len(c.order)
	for i := 0; i < n && len(out) < max; i++ {
		ps := c.parts[c.order[(c.cursor+i)%n]]
		if ps == nil || ps.paused || ps.revoking {
			continue
		}
		if len(ps.buffer) > 0 {
			take := min(len(ps.buffer), max-len(out))
			recs := ps.buffer[:take]
			ps.buffer = ps.buffer[take:]
			if len(ps.buffer) == 0 {
				ps.buffer = nil
			}
			out = append(out, recs...)
			last := recs[len(recs)-1]
			ps.position = last.Offset + 1
			ps.epoch = last.LeaderEpoch
			ps.eof = false
		}
		if ps.atEnd() {
			ps.eof = true
			eofs = append(eofs, eofEvent{tp: ps.tp, offset: ps.position})
		}
	}
	if n > 0 {
		c.cursor = (c.cursor + 1) % n
	}
	c.consumed += int64(len(out))
	return out, eofs
}

func (c *Consumer) fireEOF(eofs []eofEvent) {
	for _, e := range eofs {
		c.logger.Debug("partition end reached", "topic", e.tp.Topic, "partition", e.tp.Partition, "offset", e.offset)
		if c.cfg.OnPartitionEOF != nil {
			c.cfg.OnPartitionEOF(e.tp, e.offset)
		}
	}
}

// signalLocked wakes every Poll waiting for data.
func (c *Consumer) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Seek moves the read position of tp. kafka.OffsetEarliest and
// kafka.OffsetLatest resolve against the log. Buffered records and fetches in
// flight for the old position are discarded.
func (c *Consumer) Seek(tp kafka.TopicPartition, offset int64) error {
	if offset < 0 && offset != kafka.OffsetEarliest && offset != kafka.OffsetLatest {
		return fmt.Errorf("%w %d", errInvalidOffset, offset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.parts[tp]
	if !ok {
		return fmt.Errorf("%w: %s", kafka.ErrNotAssigned, tp)
	}

	ps.discard(c.nextGenLocked())
	switch offset {
	case kafka.OffsetEarliest:
		ps.resetTo(kafka.OffsetResetEarliest)
	case kafka.OffsetLatest:
		ps.resetTo(kafka.OffsetResetLatest)
	default:
		ps.position = offset
		ps.epoch = -1
	}
	c.logger.Debug("partition seek", "topic", tp.Topic, "partition", tp.Partition, "offset", offset)
	c.scheduleLocked()
	c.signalLocked()
	return nil
}

// Position is the offset of the next record Poll returns for tp, -1 while it
// is still being resolved.
func (c *Consumer) Position(tp kafka.TopicPartition) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.parts[tp]
	if !ok {
		return -1, fmt.Errorf("%w: %s", kafka.ErrNotAssigned, tp)
	}
	return ps.position, nil
}

// PausePartitions stops fetching and returning records for tps. Buffered
// records are kept for when they resume.
func (c *Consumer) PausePartitions(tps ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		if ps, ok := c.parts[tp]; ok {
			ps.paused = true
		}
	}
}

func (c *Consumer) ResumePartitions(tps ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		if ps, ok := c.parts[tp]; ok {
			ps.paused = false
		}
	}
	c.scheduleLocked()
	c.signalLocked()
}

func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Assigned: len(c.parts), Consumed: c.consumed}
	for _, ps := range c.parts {
		if ps.paused {
			s.Paused++
		}
		s.Buffered += len(ps.buffer)
	}
	return s
}

// Close commits the consumed positions when auto commit is on, leaves the
// group and stops background work. Poll returns kafka.ErrClosed afterwards.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscribed := c.mode == modeSubscribed
	c.signalLocked()
	c.mu.Unlock()

	var errs error
	if c.committer != nil {
		c.committer.Close()
	}
	if c.coord != nil {
		// A subscribed member commits through the group handler when Leave revokes its partitions.
		if !subscribed && c.cfg.AutoCommit {
			errs = multierr.Append(errs, c.commitPositions(ctx, nil))
		}
		errs = multierr.Append(errs, c.coord.Leave(ctx))
	}

	c.stop()
	c.wg.Wait()
	c.logger.Info("consumer closed", "consumed", c.Stats().Consumed)
	return errs
}
