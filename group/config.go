package group

import (
	"time"

	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/otel"
)

type Config struct {
	// SessionTimeout is how long the coordinator keeps a silent member, and
	// how long heartbeats may fail before this member considers itself gone.
	SessionTimeout    time.Duration
	RebalanceTimeout  time.Duration
	HeartbeatInterval time.Duration
	// Balancers are offered to the group in preference order.
	Balancers []Balancer
	// InstanceID enables static membership.
	InstanceID *string
	// RetryBackoff spaces coordinator discovery and join attempts.
	RetryBackoff retry.Backoff
	Logger       logger.Logger
	Telemetry    *otel.Telemetry
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		SessionTimeout:    45 * time.Second,
		RebalanceTimeout:  60 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		Balancers:         []Balancer{RangeBalancer{}, RoundRobinBalancer{}},
		RetryBackoff:      retry.NewExponential(100*time.Millisecond, 5*time.Second),
		Logger:            logger.NewNoopLogger(),
		Telemetry:         otel.Noop(),
	}
}

func WithSessionTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.SessionTimeout = d
	}
}

func WithRebalanceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RebalanceTimeout = d
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = d
	}
}

func WithBalancers(balancers ...Balancer) Option {
	return func(c *Config) {
		if len(balancers) > 0 {
			c.Balancers = balancers
		}
	}
}

func WithInstanceID(id string) Option {
	return func(c *Config) {
		c.InstanceID = &id
	}
}

func WithRetryBackoff(b retry.Backoff) Option {
	return func(c *Config) {
		c.RetryBackoff = b
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
