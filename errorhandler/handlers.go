package errorhandler

import (
	"context"
	"time"

	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
)

func recordFields(ec ErrorContext) []any {
	return []any{
		"error", ec.Error,
		"key", ec.Record.Key,
		"topic", ec.Record.Topic,
		"offset", ec.Record.Offset,
		"partition", ec.Record.Partition,
		"attempt", ec.Attempt,
		"phase", ec.Phase.String(),
	}
}

// LogAndContinue logs error and continues processing
func LogAndContinue(logger logger.Logger) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			logger.Error("error handling record, skipping", recordFields(ec)...)
			return ActionContinue{}
		},
	)
}

// LogAndFail logs error and stops processing
func LogAndFail(logger logger.Logger) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			logger.Error("error handling record, failing", recordFields(ec)...)
			return ActionFail{}
		},
	)
}

// SilentFail stops processing without logging.
func SilentFail() Handler {
	return HandlerFunc(
		func(context.Context, ErrorContext) Action {
			return ActionFail{}
		},
	)
}

// WithMaxAttempts retries after a backoff until maxAttempts is reached, then
// defers to fallback.
func WithMaxAttempts(maxAttempts int, b retry.Backoff, fallback Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			if ec.Attempt >= maxAttempts {
				return fallback.Handle(ctx, ec)
			}

			t := time.NewTimer(b.Next(uint(ec.Attempt)))
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ActionFail{}
			case <-t.C:
			}
			return ActionRetry{}
		},
	)
}

// RetryRetriable retries errors kafka.IsRetriable classifies as transient
// and hands the rest to next.
func RetryRetriable(next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			if kafka.IsRetriable(ec.Error) {
				return ActionRetry{}
			}
			return next.Handle(ctx, ec)
		},
	)
}

// WithDLQ returns SendToDLQ action when inner would Continue
// Useful for: WithMaxAttempts(3, backoff, WithDLQ(topic, inner))
func WithDLQ(topic string, inner Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			var action Action = ActionContinue{}
			if inner != nil {
				action = inner.Handle(ctx, ec)
			}

			if action.Type() == ActionTypeContinue {
				return SendToDLQ(topic)
			}

			return action
		},
	)
}

// ActionLogger logs the action decided by the next handler
func ActionLogger(l logger.Logger, level logger.LogLevel, next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			action := next.Handle(ctx, ec)

			l.Log(level, "error handler decision", append([]any{"action", action.Type().String()}, recordFields(ec)...)...)
			return action
		},
	)
}
