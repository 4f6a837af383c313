package kafkatest

import (
	"fmt"

	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	_ kgo.Logger   = (*kgoLogger)(nil)
	_ kfake.Logger = (*kfakeLogger)(nil)
)

// kgoLogger routes the reference client's logs into a logger.Logger.
type kgoLogger struct {
	l logger.Logger
}

func newKgoLogger(l logger.Logger) *kgoLogger {
	return &kgoLogger{l: l.With("component", "kgo")}
}

func (kl *kgoLogger) Level() kgo.LogLevel {
	return mapToKgoLevel(kl.l.Level())
}

func (kl *kgoLogger) Log(level kgo.LogLevel, msg string, args ...interface{}) {
	kl.l.Log(mapFromKgoLevel(level), msg, args...)
}

// kfakeLogger routes the fake cluster's printf style logs into a logger.Logger.
type kfakeLogger struct {
	l logger.Logger
}

func (fl *kfakeLogger) Logf(level kfake.LogLevel, msg string, args ...any) {
	var lvl logger.LogLevel
	switch level {
	case kfake.LogLevelNone:
		return
	case kfake.LogLevelError:
		lvl = logger.ErrorLevel
	case kfake.LogLevelWarn:
		lvl = logger.WarnLevel
	case kfake.LogLevelInfo:
		lvl = logger.InfoLevel
	default:
		lvl = logger.DebugLevel
	}
	if lvl < fl.l.Level() {
		return
	}
	fl.l.Log(lvl, fmt.Sprintf(msg, args...))
}

func mapToKgoLevel(level logger.LogLevel) kgo.LogLevel {
	switch level {
	case logger.DebugLevel:
		return kgo.LogLevelDebug
	case logger.InfoLevel:
		return kgo.LogLevelInfo
	case logger.WarnLevel:
		return kgo.LogLevelWarn
	case logger.ErrorLevel:
		return kgo.LogLevelError
	default:
		return kgo.LogLevelWarn
	}
}

func mapFromKgoLevel(level kgo.LogLevel) logger.LogLevel {
	switch level {
	case kgo.LogLevelDebug:
		return logger.DebugLevel
	case kgo.LogLevelInfo:
		return logger.InfoLevel
	case kgo.LogLevelWarn:
		return logger.WarnLevel
	case kgo.LogLevelError:
		return logger.ErrorLevel
	default:
		return logger.WarnLevel
	}
}
