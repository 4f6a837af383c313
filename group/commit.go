package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.opentelemetry.io/otel/metric"
)

const commitAttempts = 3

// CommitOffsets stores offsets for the group under the current generation.
// Outside a generation, as with manually assigned partitions, it commits as
// a simple consumer. A rebalance surfaces as kafka.RebalanceInProgressError,
// a stale generation or member as kafka.CommitFailedError.
func (c *Coordinator) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if len(offsets) == 0 {
		return nil
	}

	var err error
	for attempt := uint(1); ; attempt++ {
		err = c.commitOnce(ctx, offsets)
		if err == nil || attempt >= commitAttempts || !isCoordinatorError(err) {
			break
		}
		c.resetCoordinator()
		if !sleep(ctx, c.cfg.RetryBackoff.Next(attempt)) {
			err = ctx.Err()
			break
		}
	}

	status := otel.StatusSuccess
	if err != nil {
		status = otel.StatusFailed
		c.logger.Error("offset commit failed", "partitions", len(offsets), "error", err)
	}
	c.tel.Commits.Add(
		ctx, 1,
		metric.WithAttributes(otel.AttrGroup.String(c.groupID), otel.AttrStatus.String(status)),
	)
	return err
}

func (c *Coordinator) commitOnce(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	coord, err := c.ensureCoordinator(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	gen, memberID := c.generation, c.memberID
	c.mu.Unlock()

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = c.groupID
	req.Generation = gen
	req.MemberID = memberID
	req.InstanceID = c.cfg.InstanceID

	byTopic := make(map[string]int)
	for tp, off := range offsets {
		i, ok := byTopic[tp.Topic]
		if !ok {
			i = len(req.Topics)
			byTopic[tp.Topic] = i
			t := kmsg.NewOffsetCommitRequestTopic()
			t.Topic = tp.Topic
			req.Topics = append(req.Topics, t)
		}
		p := kmsg.NewOffsetCommitRequestTopicPartition()
		p.Partition = tp.Partition
		p.Offset = off.Offset
		p.LeaderEpoch = off.LeaderEpoch
		req.Topics[i].Partitions = append(req.Topics[i].Partitions, p)
	}

	resp, err := c.pool.Request(ctx, coord, broker.ClassNormal, req)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range resp.(*kmsg.OffsetCommitResponse).Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("%s-%d: %w", t.Topic, p.Partition, commitError(err)))
			}
		}
	}
	if len(errs) == 0 {
		c.logger.Debug("offsets committed", "generation", gen, "partitions", len(offsets))
	}
	return errors.Join(errs...)
}

func commitError(err error) error {
	switch {
	case errors.Is(err, kerr.RebalanceInProgress):
		return kafka.NewRebalanceInProgressError(err)
	case errors.Is(err, kerr.IllegalGeneration),
		errors.Is(err, kerr.UnknownMemberID),
		errors.Is(err, kerr.FencedInstanceID):
		return kafka.NewCommitFailedError(err)
	default:
		return err
	}
}

// FetchOffsets returns the committed offsets of tps. Partitions without a
// committed offset are absent from the result.
func (c *Coordinator) FetchOffsets(ctx context.Context, tps []kafka.TopicPartition) (map[kafka.TopicPartition]kafka.Offset, error) {
	if len(tps) == 0 {
		return map[kafka.TopicPartition]kafka.Offset{}, nil
	}

	var (
		out map[kafka.TopicPartition]kafka.Offset
		err error
	)
	for attempt := uint(1); ; attempt++ {
		out, err = c.fetchOnce(ctx, tps)
		retriable := isCoordinatorError(err) || errors.Is(err, kerr.UnstableOffsetCommit)
		if err == nil || attempt >= commitAttempts || !retriable {
			return out, err
		}
		if isCoordinatorError(err) {
			c.resetCoordinator()
		}
		if !sleep(ctx, c.cfg.RetryBackoff.Next(attempt)) {
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) fetchOnce(ctx context.Context, tps []kafka.TopicPartition) (map[kafka.TopicPartition]kafka.Offset, error) {
	coord, err := c.ensureCoordinator(ctx)
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = c.groupID
	byTopic := make(map[string]int)
	for _, tp := range tps {
		i, ok := byTopic[tp.Topic]
		if !ok {
			i = len(req.Topics)
			byTopic[tp.Topic] = i
			t := kmsg.NewOffsetFetchRequestTopic()
			t.Topic = tp.Topic
			req.Topics = append(req.Topics, t)
		}
		req.Topics[i].Partitions = append(req.Topics[i].Partitions, tp.Partition)
	}

	resp, err := c.pool.Request(ctx, coord, broker.ClassNormal, req)
	if err != nil {
		return nil, err
	}
	fr := resp.(*kmsg.OffsetFetchResponse)
	out := make(map[kafka.TopicPartition]kafka.Offset, len(tps))
	// a group that never committed does not exist yet
	if err := kerr.ErrorForCode(fr.ErrorCode); errors.Is(err, kerr.GroupIDNotFound) {
		return out, nil
	} else if err != nil {
		return nil, fmt.Errorf("group: fetch offsets: %w", err)
	}

	for _, t := range fr.Topics {
		for _, p := range t.Partitions {
			err := kerr.ErrorForCode(p.ErrorCode)
			if errors.Is(err, kerr.GroupIDNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("group: fetch offset of %s-%d: %w", t.Topic, p.Partition, err)
			}
			if p.Offset < 0 {
				continue
			}
			out[kafka.TopicPartition{Topic: t.Topic, Partition: p.Partition}] = kafka.Offset{
				Offset:      p.Offset,
				LeaderEpoch: p.LeaderEpoch,
			}
		}
	}
	return out, nil
}
