// Package runner drives a consume loop: it polls a consumer, hands every
// record to a function, lets an error handler decide what happens to records
// that fail and commits the records it is done with.
package runner

import (
	"context"
	"fmt"

	"github.com/hugolhafner/go-pubsub/committer"
	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"go.uber.org/multierr"
)

// HandleFunc processes one record. Records of a partition are handed over in
// offset order, one at a time.
type HandleFunc func(ctx context.Context, rec kafka.ConsumerRecord) error

// Runner commits a record only after HandleFunc succeeded or the error
// handler skipped it or forwarded it to a dead letter topic. The consumer
// should have auto commit disabled, or it may commit records the runner has
// not handled yet.
type Runner struct {
	consumer kafka.Consumer
	handle   HandleFunc
	cfg      Config
	logger   logger.Logger

	// done holds the next offset to commit per partition.
	done map[kafka.TopicPartition]kafka.Offset
}

// New returns a runner for a consumer that is already subscribed or assigned.
func New(consumer kafka.Consumer, handle HandleFunc, opts ...Option) *Runner {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Runner{
		consumer: consumer,
		handle:   handle,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "runner"),
		done:     make(map[kafka.TopicPartition]kafka.Offset),
	}
}

// Run loops until ctx is done, which returns nil, or until polling,
// committing or the error handler fails. Handled records are committed
// before Run returns either way.
func (r *Runner) Run(ctx context.Context) (err error) {
	sched := timer.New()
	defer sched.Close()

	var cm committer.Committer = committer.NewPeriodicCommitter(
		sched,
		committer.WithMaxInterval(r.cfg.CommitInterval),
		committer.WithMaxCount(r.cfg.CommitCount),
	)
	defer cm.Close()

	defer func() {
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CommitTimeout)
		defer cancel()
		err = multierr.Append(err, r.commit(commitCtx))
	}()

	r.logger.Info("runner started")
	defer r.logger.Info("runner stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		records, err := r.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("runner: poll: %w", err)
		}

		for _, rec := range records {
			if err := r.process(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("runner: %s offset %d: %w", rec.TopicPartition(), rec.Offset, err)
			}
		}

		cm.RecordProcessed(len(records))
		select {
		case <-cm.C():
			if ctx.Err() != nil {
				return nil
			}
			if err := r.commit(ctx); err != nil {
				return err
			}
		default:
		}
	}
}

func (r *Runner) markDone(rec kafka.ConsumerRecord) {
	r.done[rec.TopicPartition()] = kafka.Offset{Offset: rec.Offset + 1, LeaderEpoch: rec.LeaderEpoch}
}

// commit drops the pending offsets when the group moved on; the records are
// redelivered to the partitions' new owners. Other failures keep them for
// the next commit.
func (r *Runner) commit(ctx context.Context) error {
	if r.cfg.NoCommit || len(r.done) == 0 {
		return nil
	}

	n := len(r.done)
	err := r.consumer.CommitOffsets(ctx, r.done)
	switch {
	case err == nil:
		r.logger.Debug("committed", "partitions", n)
	case isRebalance(err):
		r.logger.Warn("commit rejected after rebalance", "partitions", n, "error", err)
	default:
		return fmt.Errorf("runner: commit: %w", err)
	}
	r.done = make(map[kafka.TopicPartition]kafka.Offset)
	return nil
}

func isRebalance(err error) bool {
	if _, ok := kafka.AsCommitFailedError(err); ok {
		return true
	}
	_, ok := kafka.AsRebalanceInProgressError(err)
	return ok
}
