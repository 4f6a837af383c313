package runner

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hugolhafner/go-pubsub/errorhandler"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Headers added to records forwarded to a dead letter topic.
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderErrorTimestamp    = "x-error-timestamp"
	HeaderErrorAttempt      = "x-error-attempt"
	HeaderErrorPhase        = "x-error-phase"
	HeaderErrorMessage      = "x-error-message"
)

var errNoDLQProducer = errors.New("runner: dead letter decision without a DLQ producer")

func dlqRecord(rec kafka.ConsumerRecord, ec errorhandler.ErrorContext, topic string) kafka.Record {
	c := rec.Copy()

	headers := append(
		c.Headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(rec.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.FormatInt(int64(rec.Partition), 10))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(rec.Offset, 10))},
		kafka.Header{Key: HeaderErrorTimestamp, Value: []byte(time.Now().Format(time.RFC3339))},
		kafka.Header{Key: HeaderErrorAttempt, Value: []byte(strconv.Itoa(ec.Attempt))},
		kafka.Header{Key: HeaderErrorPhase, Value: []byte(ec.Phase.String())},
	)
	if ec.Error != nil {
		headers = append(headers, kafka.Header{Key: HeaderErrorMessage, Value: []byte(ec.Error.Error())})
	}

	return kafka.NewRecord(topic, c.Key, c.Value, headers...)
}

// sendToDLQ waits for the broker to acknowledge the forwarded record, so the
// original is only committed once its copy is durable.
func (r *Runner) sendToDLQ(ctx context.Context, rec kafka.ConsumerRecord, ec errorhandler.ErrorContext, topic string) error {
	if r.cfg.DLQProducer == nil {
		return errNoDLQProducer
	}

	result := make(chan error, 1)
	err := r.cfg.DLQProducer.Send(
		ctx, dlqRecord(rec, ec, topic), func(_ kafka.Record, _ int64, err error) {
			result <- err
		},
	)
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs the handler for rec until it succeeds or the error handler
// decides otherwise. A nil return means rec is done and may be committed.
func (r *Runner) process(ctx context.Context, rec kafka.ConsumerRecord) error {
	tel := r.cfg.Telemetry
	ctx = tel.Extract(ctx, rec.Headers)

	partition := strconv.FormatInt(int64(rec.Partition), 10)
	start := time.Now()
	ctx, span := tel.Tracer.Start(
		ctx, rec.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			otel.AttrTopic.String(rec.Topic),
			otel.AttrPartition.String(partition),
			otel.AttrOffset.Int64(rec.Offset),
			otel.AttrGroup.String(r.cfg.GroupID),
		),
	)
	defer span.End()

	ec := errorhandler.NewErrorContext(rec, nil).WithGroupID(r.cfg.GroupID)
	finish := func(status string) {
		span.SetAttributes(attribute.Int("pubsub.process.attempts", ec.Attempt))
		tel.ProcessDuration.Record(
			ctx, time.Since(start).Seconds(), metric.WithAttributes(
				otel.AttrTopic.String(rec.Topic),
				otel.AttrPartition.String(partition),
				otel.AttrStatus.String(status),
			),
		)
	}

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		err := r.handle(ctx, rec)
		if err == nil {
			r.markDone(rec)
			finish(otel.StatusSuccess)
			return nil
		}

		ec = ec.WithError(err)
		span.RecordError(err)
		tel.Errors.Add(
			ctx, 1, metric.WithAttributes(
				otel.AttrComponent.String("runner"),
				otel.AttrTopic.String(rec.Topic),
				otel.AttrPhase.String(ec.Phase.String()),
			),
		)

		action := r.cfg.ErrorHandler.Handle(ctx, ec)
		tel.ErrorHandlerActions.Add(
			ctx, 1, metric.WithAttributes(
				otel.AttrAction.String(action.Type().String()),
				otel.AttrTopic.String(rec.Topic),
				otel.AttrPhase.String(ec.Phase.String()),
			),
		)

		switch action.Type() {
		case errorhandler.ActionTypeRetry:
			ec = ec.IncrementAttempt()
			if ec.Attempt%10 == 0 {
				r.logger.Warn(
					"record retried many times, consider a dead letter topic or skipping it",
					"attempt", ec.Attempt, "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
				)
			}
			continue

		case errorhandler.ActionTypeContinue:
			r.logger.Debug("skipping failed record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
			r.markDone(rec)
			finish(otel.StatusDropped)
			return nil

		case errorhandler.ActionTypeSendToDLQ:
			a, ok := action.(errorhandler.ActionSendToDLQ)
			if !ok {
				finish(otel.StatusFailed)
				span.SetStatus(codes.Error, "invalid action type")
				return errors.New("runner: invalid action type, expected ActionSendToDLQ")
			}
			if err := r.sendToDLQ(ctx, rec, ec, a.Topic()); err != nil {
				r.logger.Error(
					"failed to send record to DLQ", "error", err, "dlq", a.Topic(),
					"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
				)
				finish(otel.StatusFailed)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			r.markDone(rec)
			finish(otel.StatusDLQ)
			return nil

		default:
			finish(otel.StatusFailed)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
}
