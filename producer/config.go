package producer

import (
	"time"

	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/otel"
)

type Config struct {
	Acks kafka.Acks
	// AckTimeout is how long the broker may wait for replicas before answering a produce request.
	AckTimeout time.Duration

	BatchMaxRecords int
	BatchMaxBytes   int
	// Linger is how long an open batch waits for more records before it is sent.
	Linger time.Duration

	// MaxInflightPerPartition bounds the batches awaiting acknowledgement per
	// partition. With 1, log order always equals send order, retries included.
	MaxInflightPerPartition int

	// QueueSize bounds the undelivered records per partition, and per topic
	// while its metadata loads.
	QueueSize int
	// MaxQueueWait is how long Send blocks on a full queue; 0 fails fast with ErrQueueFull.
	MaxQueueWait time.Duration

	MaxAttempts  int
	RetryBackoff retry.Backoff

	Partitioner Partitioner
	Compression kafka.Compression

	Logger    logger.Logger
	Telemetry *otel.Telemetry
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		Acks:                    kafka.AcksAll,
		AckTimeout:              10 * time.Second,
		BatchMaxRecords:         100,
		BatchMaxBytes:           1 << 20,
		Linger:                  5 * time.Millisecond,
		MaxInflightPerPartition: 1,
		QueueSize:               100_000,
		MaxQueueWait:            0,
		MaxAttempts:             5,
		RetryBackoff:            retry.NewExponential(100*time.Millisecond, 2*time.Second),
		Partitioner:             DefaultPartitioner(),
		Compression:             kafka.CompressionNone,
		Logger:                  logger.NewNoopLogger(),
		Telemetry:               otel.Noop(),
	}
}

func WithAcks(acks kafka.Acks) Option {
	return func(c *Config) {
		c.Acks = acks
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AckTimeout = d
	}
}

// WithBatchSize sets the record and byte thresholds at which a batch is sent
// without waiting for linger. Non-positive values keep the default.
func WithBatchSize(records, bytes int) Option {
	return func(c *Config) {
		if records > 0 {
			c.BatchMaxRecords = records
		}
		if bytes > 0 {
			c.BatchMaxBytes = bytes
		}
	}
}

func WithLinger(d time.Duration) Option {
	return func(c *Config) {
		c.Linger = d
	}
}

func WithMaxInflightPerPartition(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxInflightPerPartition = n
		}
	}
}

// WithQueue bounds the per-partition queue and how long Send waits on it.
func WithQueue(size int, maxWait time.Duration) Option {
	return func(c *Config) {
		if size > 0 {
			c.QueueSize = size
		}
		c.MaxQueueWait = maxWait
	}
}

// WithRetries sets the attempts per batch, the first one included, and the
// delay between them.
func WithRetries(maxAttempts int, b retry.Backoff) Option {
	return func(c *Config) {
		if maxAttempts > 0 {
			c.MaxAttempts = maxAttempts
		}
		if b != nil {
			c.RetryBackoff = b
		}
	}
}

func WithPartitioner(p Partitioner) Option {
	return func(c *Config) {
		c.Partitioner = p
	}
}

func WithCompression(codec kafka.Compression) Option {
	return func(c *Config) {
		c.Compression = codec
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
