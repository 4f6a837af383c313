package consumer

import (
	"time"

	"github.com/hugolhafner/go-pubsub/group"
	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/otel"
)

type Config struct {
	// GroupID enables Subscribe and offset commits. Without it only Assign works.
	GroupID string
	Group   []group.Option

	AutoCommit         bool
	AutoCommitInterval time.Duration

	AutoOffsetReset kafka.OffsetReset

	// PollTimeout bounds a Poll that finds nothing to return.
	PollTimeout    time.Duration
	MaxPollRecords int

	FetchMaxWait      time.Duration
	FetchMinBytes     int32
	FetchMaxBytes     int32
	PartitionMaxBytes int32

	// OnPartitionEOF is called from Poll when a partition's position catches
	// up with its high watermark. It fires once per catch up.
	OnPartitionEOF func(tp kafka.TopicPartition, offset int64)

	RetryBackoff retry.Backoff

	Logger    logger.Logger
	Telemetry *otel.Telemetry
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		AutoCommit:         true,
		AutoCommitInterval: 5 * time.Second,
		AutoOffsetReset:    kafka.OffsetResetLatest,
		PollTimeout:        time.Second,
		MaxPollRecords:     500,
		FetchMaxWait:       500 * time.Millisecond,
		FetchMinBytes:      1,
		FetchMaxBytes:      50 << 20,
		PartitionMaxBytes:  1 << 20,
		RetryBackoff:       retry.NewExponential(100*time.Millisecond, 2*time.Second),
		Logger:             logger.NewNoopLogger(),
		Telemetry:          otel.Noop(),
	}
}

func WithGroupID(id string) Option {
	return func(c *Config) {
		c.GroupID = id
	}
}

// WithGroupOptions configures the group membership (timeouts, balancers, static membership).
func WithGroupOptions(opts ...group.Option) Option {
	return func(c *Config) {
		c.Group = append(c.Group, opts...)
	}
}

// WithAutoCommit commits consumed positions every interval, on revocation
// and on Close. A non-positive interval keeps the current one.
func WithAutoCommit(enabled bool, interval time.Duration) Option {
	return func(c *Config) {
		c.AutoCommit = enabled
		if interval > 0 {
			c.AutoCommitInterval = interval
		}
	}
}

func WithAutoOffsetReset(r kafka.OffsetReset) Option {
	return func(c *Config) {
		c.AutoOffsetReset = r
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollTimeout = d
		}
	}
}

func WithMaxPollRecords(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxPollRecords = n
		}
	}
}

// WithFetch sets how long the broker may hold a fetch and its size limits.
// Non-positive sizes keep the defaults.
func WithFetch(maxWait time.Duration, minBytes, maxBytes, partitionMaxBytes int32) Option {
	return func(c *Config) {
		if maxWait >= 0 {
			c.FetchMaxWait = maxWait
		}
		if minBytes > 0 {
			c.FetchMinBytes = minBytes
		}
		if maxBytes > 0 {
			c.FetchMaxBytes = maxBytes
		}
		if partitionMaxBytes > 0 {
			c.PartitionMaxBytes = partitionMaxBytes
		}
	}
}

func WithPartitionEOF(fn func(tp kafka.TopicPartition, offset int64)) Option {
	return func(c *Config) {
		c.OnPartitionEOF = fn
	}
}

func WithRetryBackoff(b retry.Backoff) Option {
	return func(c *Config) {
		if b != nil {
			c.RetryBackoff = b
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithTelemetry(t *otel.Telemetry) Option {
	return func(c *Config) {
		c.Telemetry = t
	}
}
