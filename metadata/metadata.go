// Package metadata caches cluster topology: the partitions of each topic and
// the broker leading each partition.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/singleflight"
)

// Requester is the part of the connection pool the cache needs.
type Requester interface {
	RequestAny(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
	UpdateBrokers(brokers []broker.Broker)
}

var _ Requester = (*broker.Pool)(nil)

// Partition is one partition's routing state. Leader is -1 while the
// partition has no leader, for example during broker failover.
type Partition struct {
	ID          int32
	Leader      int32
	LeaderEpoch int32
	Replicas    []int32
	ISR         []int32
	Err         error
}

// Routable reports whether requests for the partition can be sent now.
func (p Partition) Routable() bool {
	return p.Leader >= 0 && (p.Err == nil || errors.Is(p.Err, kerr.ReplicaNotAvailable))
}

// Topic is an immutable snapshot of a topic's metadata.
type Topic struct {
	Name       string
	Partitions []Partition
	FetchedAt  time.Time
}

func (t *Topic) PartitionCount() int {
	return len(t.Partitions)
}

// Partition returns the state of partition p.
func (t *Topic) Partition(p int32) (Partition, bool) {
	if p < 0 || int(p) >= len(t.Partitions) {
		return Partition{}, false
	}
	return t.Partitions[p], true
}

// Leader returns the leader of partition p if it is routable.
func (t *Topic) Leader(p int32) (int32, bool) {
	part, ok := t.Partition(p)
	if !ok || !part.Routable() {
		return -1, false
	}
	return part.Leader, true
}

// LeaderMap maps every routable partition to its leader.
func (t *Topic) LeaderMap() map[int32]int32 {
	m := make(map[int32]int32, len(t.Partitions))
	for _, p := range t.Partitions {
		if p.Routable() {
			m[p.ID] = p.Leader
		}
	}
	return m
}

// Routable lists the partitions that currently have a leader.
func (t *Topic) Routable() []int32 {
	out := make([]int32, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		if p.Routable() {
			out = append(out, p.ID)
		}
	}
	return out
}

type Config struct {
	// TTL is how long a snapshot is served without a refresh.
	TTL time.Duration
	// RefreshTimeout bounds one metadata request, independent of callers' contexts.
	RefreshTimeout time.Duration
	// AllowAutoTopicCreation asks brokers to create topics the cache resolves
	// but does not know. Off by default; topics are expected to exist.
	AllowAutoTopicCreation bool
	Logger                 logger.Logger
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		TTL:            5 * time.Minute,
		RefreshTimeout: 10 * time.Second,
		Logger:         logger.NewNoopLogger(),
	}
}

func WithTTL(d time.Duration) Option {
	return func(c *Config) {
		c.TTL = d
	}
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RefreshTimeout = d
	}
}

func WithAutoTopicCreation(allow bool) Option {
	return func(c *Config) {
		c.AllowAutoTopicCreation = allow
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Cache serves topic snapshots. Only refresh responses write it; readers get
// immutable snapshots under a brief read lock.
type Cache struct {
	req    Requester
	cfg    Config
	logger logger.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
	stale  map[string]struct{}

	sf      singleflight.Group
	updated chan struct{}
}

func New(req Requester, opts ...Option) *Cache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Cache{
		req:     req,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "metadata"),
		topics:  make(map[string]*Topic),
		stale:   make(map[string]struct{}),
		updated: make(chan struct{}),
	}
}

// Resolve returns the topic's snapshot, refreshing it first when it is older
// than the TTL or was invalidated.
func (c *Cache) Resolve(ctx context.Context, topic string) (*Topic, error) {
	if t, fresh := c.Cached(topic); fresh {
		return t, nil
	}

	ch := c.sf.DoChan(
		topic, func() (any, error) {
			errs, err := c.refresh([]string{topic})
			if err != nil {
				return nil, err
			}
			return nil, errs[topic]
		},
	)

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("metadata: resolve %q: %w", topic, r.Err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.topics[topic]
	if !ok {
		return nil, fmt.Errorf("metadata: resolve %q: %w", topic, kerr.UnknownTopicOrPartition)
	}
	return t, nil
}

// Cached returns the snapshot without any network call; fresh is false when
// it is missing, expired or invalidated.
func (c *Cache) Cached(topic string) (t *Topic, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.topics[topic]
	if !ok {
		return nil, false
	}
	_, stale := c.stale[topic]
	return t, !stale && time.Since(t.FetchedAt) < c.cfg.TTL
}

// Invalidate forces the next Resolve of topic to refetch.
func (c *Cache) Invalidate(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		c.stale[topic] = struct{}{}
	}
	c.logger.Debug("metadata invalidated", "topic", topic)
}

// RefreshAsync refreshes topic in the background, collapsing with any
// refresh already running for it.
func (c *Cache) RefreshAsync(topic string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
		defer cancel()
		if _, err := c.Resolve(ctx, topic); err != nil {
			c.logger.Debug("background metadata refresh failed", "topic", topic, "error", err)
		}
	}()
}

// Refresh fetches metadata for all topics in one request and returns the
// per-topic errors joined.
func (c *Cache) Refresh(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	type result struct {
		errs map[string]error
		err  error
	}
	done := make(chan result, 1)
	go func() {
		errs, err := c.refresh(topics)
		done <- result{errs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		joined := make([]error, 0, len(r.errs))
		for _, t := range topics {
			if err := r.errs[t]; err != nil {
				joined = append(joined, fmt.Errorf("topic %q: %w", t, err))
			}
		}
		return errors.Join(joined...)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Updated returns a channel closed at the next successful refresh.
func (c *Cache) Updated() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Topics lists the topics held in the cache.
func (c *Cache) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for name := range c.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) refresh(topics []string) (map[string]error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	req := kmsg.NewPtrMetadataRequest()
	req.AllowAutoTopicCreation = c.cfg.AllowAutoTopicCreation
	for _, t := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(t)
		req.Topics = append(req.Topics, rt)
	}

	raw, err := c.req.RequestAny(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := raw.(*kmsg.MetadataResponse)

	brokers := make([]broker.Broker, 0, len(resp.Brokers))
	for _, b := range resp.Brokers {
		brokers = append(brokers, broker.Broker{NodeID: b.NodeID, Host: b.Host, Port: b.Port, Rack: b.Rack})
	}
	c.req.UpdateBrokers(brokers)

	now := time.Now()
	errs := make(map[string]error)
	fresh := make(map[string]*Topic, len(resp.Topics))
	for _, rt := range resp.Topics {
		if rt.Topic == nil {
			continue
		}
		name := *rt.Topic
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil {
			errs[name] = err
			continue
		}
		fresh[name] = buildTopic(name, rt.Partitions, now)
	}
	for _, t := range topics {
		if _, ok := fresh[t]; !ok && errs[t] == nil {
			errs[t] = kerr.UnknownTopicOrPartition
		}
	}

	c.mu.Lock()
	for name, t := range fresh {
		if old, ok := c.topics[name]; ok && old.PartitionCount() != t.PartitionCount() {
			c.logger.Info("topic partition count changed", "topic", name, "from", old.PartitionCount(), "to", t.PartitionCount())
		}
		c.topics[name] = t
		delete(c.stale, name)
	}
	updated := c.updated
	c.updated = make(chan struct{})
	c.mu.Unlock()
	close(updated)

	for name, err := range errs {
		c.logger.Debug("topic metadata error", "topic", name, "error", err)
	}
	return errs, nil
}

func buildTopic(name string, parts []kmsg.MetadataResponseTopicPartition, fetchedAt time.Time) *Topic {
	sorted := make([]kmsg.MetadataResponseTopicPartition, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Partition < sorted[j].Partition })

	t := &Topic{Name: name, FetchedAt: fetchedAt, Partitions: make([]Partition, 0, len(sorted))}
	for _, p := range sorted {
		if p.Partition < int32(len(t.Partitions)) {
			continue
		}
		// gaps only appear in inconsistent responses; keep ids dense and unroutable
		for int32(len(t.Partitions)) < p.Partition {
			t.Partitions = append(t.Partitions, Partition{ID: int32(len(t.Partitions)), Leader: -1, LeaderEpoch: -1})
		}
		t.Partitions = append(
			t.Partitions, Partition{
				ID:          p.Partition,
				Leader:      p.Leader,
				LeaderEpoch: p.LeaderEpoch,
				Replicas:    append([]int32(nil), p.Replicas...),
				ISR:         append([]int32(nil), p.ISR...),
				Err:         kerr.ErrorForCode(p.ErrorCode),
			},
		)
	}
	return t
}
