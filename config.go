package pubsub

import (
	"time"

	"github.com/google/uuid"
	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/metadata"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ClientID string
	Logger   logger.Logger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagator     propagation.TextMapPropagator

	BrokerOptions   []broker.Option
	MetadataOptions []metadata.Option

	StatsInterval time.Duration
	OnStats       func(Stats)
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ClientID: "go-pubsub-" + uuid.NewString(),
		Logger:   logger.NewNoopLogger(),
	}
}

func WithClientID(id string) Option {
	return func(c *Config) {
		if id != "" {
			c.ClientID = id
		}
	}
}

// WithLogger sets the logger handed to every component the client creates.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithTelemetry enables OpenTelemetry. Nil providers stay noops; a nil
// propagator defaults to W3C trace context.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) Option {
	return func(c *Config) {
		c.TracerProvider = tp
		c.MeterProvider = mp
		c.Propagator = prop
	}
}

func WithBrokerOptions(opts ...broker.Option) Option {
	return func(c *Config) {
		c.BrokerOptions = append(c.BrokerOptions, opts...)
	}
}

func WithMetadataOptions(opts ...metadata.Option) Option {
	return func(c *Config) {
		c.MetadataOptions = append(c.MetadataOptions, opts...)
	}
}

// WithStats calls fn every interval with a snapshot of the client. fn runs
// on its own goroutine; a slow fn skips ticks rather than queueing them.
func WithStats(interval time.Duration, fn func(Stats)) Option {
	return func(c *Config) {
		c.StatsInterval = interval
		c.OnStats = fn
	}
}
