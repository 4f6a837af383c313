// Package pubsub wires the shared parts of a Kafka client, the broker
// connection pool, the metadata cache and the timer scheduler, and builds
// producers and consumers on top of them.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/consumer"
	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/hugolhafner/go-pubsub/producer"
	"go.uber.org/multierr"
)

const Version = "v0.1.0" // x-release-please-version

// Stats is a point in time view of a client and everything it created.
type Stats struct {
	ClientID  string
	Brokers   broker.Stats
	Producers []producer.Stats
	Consumers []consumer.Stats
	Timers    int
}

type Client struct {
	cfg    Config
	logger logger.Logger
	tel    *otel.Telemetry

	pool  *broker.Pool
	meta  *metadata.Cache
	sched *timer.Scheduler
	stats *timer.Timer

	mu        sync.Mutex
	producers []*producer.Producer
	consumers []*consumer.Consumer
	closed    bool
	reporting atomic.Bool
}

// NewClient connects lazily: no broker is contacted until the first request.
func NewClient(seeds []string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	tel, err := otel.NewTelemetry(cfg.TracerProvider, cfg.MeterProvider, cfg.Propagator)
	if err != nil {
		return nil, fmt.Errorf("pubsub: telemetry: %w", err)
	}

	brokerOpts := append(
		[]broker.Option{broker.WithClientID(cfg.ClientID), broker.WithLogger(cfg.Logger), broker.WithTelemetry(tel)},
		cfg.BrokerOptions...,
	)
	pool, err := broker.NewPool(seeds, brokerOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("client", cfg.ClientID),
		tel:    tel,
		pool:   pool,
		meta:   metadata.New(pool, append([]metadata.Option{metadata.WithLogger(cfg.Logger)}, cfg.MetadataOptions...)...),
		sched:  timer.New(),
	}
	if cfg.OnStats != nil && cfg.StatsInterval > 0 {
		c.stats = c.sched.Every(cfg.StatsInterval, c.emitStats)
	}

	c.logger.Info("client created", "seeds", seeds, "version", Version)
	return c, nil
}

func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// Metadata exposes the shared topic metadata cache.
func (c *Client) Metadata() *metadata.Cache {
	return c.meta
}

// NewProducer creates a producer sharing the client's connections. It is
// closed with the client unless closed first.
func (c *Client) NewProducer(opts ...producer.Option) (*producer.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, kafka.ErrClosed
	}

	opts = append([]producer.Option{producer.WithLogger(c.cfg.Logger), producer.WithTelemetry(c.tel)}, opts...)
	p, err := producer.New(c.pool, c.meta, c.sched, opts...)
	if err != nil {
		return nil, err
	}
	c.producers = append(c.producers, p)
	return p, nil
}

// NewConsumer creates a consumer sharing the client's connections. It is
// closed with the client unless closed first.
func (c *Client) NewConsumer(opts ...consumer.Option) (*consumer.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, kafka.ErrClosed
	}

	opts = append([]consumer.Option{consumer.WithLogger(c.cfg.Logger), consumer.WithTelemetry(c.tel)}, opts...)
	cons, err := consumer.New(c.pool, c.meta, c.sched, opts...)
	if err != nil {
		return nil, err
	}
	c.consumers = append(c.consumers, cons)
	return cons, nil
}

// Ping connects to any known broker and refreshes the metadata of topics.
func (c *Client) Ping(ctx context.Context, topics ...string) error {
	if _, err := c.pool.Any(ctx, broker.ClassNormal); err != nil {
		return err
	}
	if len(topics) == 0 {
		return nil
	}
	return c.meta.Refresh(ctx, topics...)
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	producers := append([]*producer.Producer(nil), c.producers...)
	consumers := append([]*consumer.Consumer(nil), c.consumers...)
	c.mu.Unlock()

	s := Stats{
		ClientID: c.cfg.ClientID,
		Brokers:  c.pool.Stats(),
		Timers:   c.sched.Len(),
	}
	for _, p := range producers {
		s.Producers = append(s.Producers, p.Stats())
	}
	for _, cons := range consumers {
		s.Consumers = append(s.Consumers, cons.Stats())
	}
	return s
}

// emitStats runs on the scheduler goroutine and must not block it.
func (c *Client) emitStats() {
	if !c.reporting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.reporting.Store(false)
		c.cfg.OnStats(c.Stats())
	}()
}

// Close closes every producer and consumer created from the client, then the
// connections. Producers get ctx to flush.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	producers, consumers := c.producers, c.consumers
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.Stop()
	}

	var errs error
	for _, cons := range consumers {
		errs = multierr.Append(errs, cons.Close(ctx))
	}
	for _, p := range producers {
		if err := p.Close(ctx); err != nil && !errors.Is(err, kafka.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	c.sched.Close()
	errs = multierr.Append(errs, c.pool.Close())

	c.logger.Info("client closed")
	return errs
}
