package runner

import (
	"time"

	"github.com/hugolhafner/go-pubsub/errorhandler"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/otel"
)

type Config struct {
	Logger       logger.Logger
	Telemetry    *otel.Telemetry
	ErrorHandler errorhandler.Handler

	// DLQProducer sends records the error handler forwards to a dead letter
	// topic. Without one such a decision fails the loop.
	DLQProducer kafka.Producer

	// GroupID labels spans, metrics and error contexts.
	GroupID string

	// NoCommit leaves offsets alone, for consumers without a group.
	NoCommit bool

	CommitInterval time.Duration
	// CommitCount commits early once this many records were handled; 0 disables it.
	CommitCount   int
	CommitTimeout time.Duration
}

type Option func(*Config)

func defaultConfig() Config {
	l := logger.NewNoopLogger()

	return Config{
		Logger:         l,
		Telemetry:      otel.Noop(),
		ErrorHandler:   errorhandler.LogAndContinue(l),
		CommitInterval: 5 * time.Second,
		CommitCount:    1000,
		CommitTimeout:  10 * time.Second,
	}
}

func WithErrorHandler(handler errorhandler.Handler) Option {
	return func(c *Config) {
		c.ErrorHandler = handler
	}
}

func WithDLQProducer(p kafka.Producer) Option {
	return func(c *Config) {
		c.DLQProducer = p
	}
}

func WithGroupID(id string) Option {
	return func(c *Config) {
		c.GroupID = id
	}
}

// WithCommit commits handled records every interval and after count records.
func WithCommit(interval time.Duration, count int) Option {
	return func(c *Config) {
		if interval > 0 {
			c.CommitInterval = interval
		}
		c.CommitCount = count
	}
}

func WithNoCommit() Option {
	return func(c *Config) {
		c.NoCommit = true
	}
}

func WithLogger(logger logger.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithTelemetry(t *otel.Telemetry) Option {
	return func(c *Config) {
		c.Telemetry = t
	}
}
