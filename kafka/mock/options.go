package mock

import (
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
)

type ProducerOption func(*Producer)

// WithSendError makes every Send return err without accepting the record.
func WithSendError(err error) ProducerOption {
	return func(p *Producer) {
		p.sendErr = func(kafka.Record) error { return err }
	}
}

// WithDeliveryError accepts records but fails their delivery callback with err.
func WithDeliveryError(err error) ProducerOption {
	return func(p *Producer) {
		p.deliveryErr = func(kafka.Record) error { return err }
	}
}

// WithPartitions sets the partition count records are spread over by key hash.
// Default is 1.
func WithPartitions(n int32) ProducerOption {
	return func(p *Producer) {
		if n > 0 {
			p.partitions = n
		}
	}
}

type ConsumerOption func(*Consumer)

// WithMaxPollRecords sets the maximum number of records returned per Poll call.
// Default is 10.
func WithMaxPollRecords(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxPollRecords = n
		}
	}
}

// WithPollDelay adds an artificial delay to Poll calls.
// This can be useful for testing timeout behavior or rate limiting.
func WithPollDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pollDelay = d
	}
}

// WithPollError configures an error to be returned by all Poll calls.
func WithPollError(err error) ConsumerOption {
	return func(c *Consumer) {
		c.pollErr = func() error { return err }
	}
}

// WithCommitError configures an error to be returned by all Commit calls.
func WithCommitError(err error) ConsumerOption {
	return func(c *Consumer) {
		c.commitErr = func() error { return err }
	}
}
