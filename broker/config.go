package broker

import (
	"context"
	"net"
	"time"

	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/otel"
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	ClientID string
	// DialTimeout bounds one dial attempt including the ApiVersions handshake.
	DialTimeout time.Duration
	// DialAttempts is how many times Get tries to reach a broker before failing with a ConnectionError.
	DialAttempts     int
	ReconnectBackoff retry.Backoff
	// RequestTimeout bounds every request, on top of any time the broker is allowed to hold it.
	RequestTimeout time.Duration
	// MaxInflight is the pipelining limit per connection.
	MaxInflight      int
	MaxResponseBytes int32
	Dial             DialFunc
	Logger           logger.Logger
	Telemetry        *otel.Telemetry
}

type Option func(*Config)

func defaultConfig() Config {
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	return Config{
		ClientID:         "go-pubsub",
		DialTimeout:      10 * time.Second,
		DialAttempts:     3,
		ReconnectBackoff: retry.NewExponential(50*time.Millisecond, 5*time.Second),
		RequestTimeout:   30 * time.Second,
		MaxInflight:      5,
		MaxResponseBytes: 100 << 20,
		Dial:             d.DialContext,
		Logger:           logger.NewNoopLogger(),
		Telemetry:        otel.Noop(),
	}
}

func WithClientID(id string) Option {
	return func(c *Config) {
		c.ClientID = id
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

func WithDialAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.DialAttempts = n
		}
	}
}

func WithReconnectBackoff(b retry.Backoff) Option {
	return func(c *Config) {
		c.ReconnectBackoff = b
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func WithMaxInflight(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxInflight = n
		}
	}
}

func WithMaxResponseBytes(n int32) Option {
	return func(c *Config) {
		c.MaxResponseBytes = n
	}
}

func WithDialFunc(fn DialFunc) Option {
	return func(c *Config) {
		c.Dial = fn
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
