package mocklogger

import (
	"sync"

	"github.com/hugolhafner/go-pubsub/logger"
)

var _ logger.Logger = (*MockLogger)(nil)

type LogEntry struct {
	Level   logger.LogLevel
	Message string
	KV      []any
}

type store struct {
	mu      sync.Mutex
	entries []LogEntry
}

// MockLogger records every entry. It is safe for concurrent use and loggers
// derived with With share the parent's entries.
type MockLogger struct {
	s    *store
	args []any
}

func New() *MockLogger {
	return &MockLogger{s: &store{}}
}

func (m *MockLogger) Log(level logger.LogLevel, msg string, kv ...any) {
	all := append(append(make([]any, 0, len(m.args)+len(kv)), m.args...), kv...)

	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.entries = append(
		m.s.entries, LogEntry{
			Level:   level,
			Message: msg,
			KV:      all,
		},
	)
}

// Entries returns a snapshot of the recorded entries.
func (m *MockLogger) Entries() []LogEntry {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]LogEntry, len(m.s.entries))
	copy(out, m.s.entries)
	return out
}

func (m *MockLogger) Level() logger.LogLevel {
	return logger.DebugLevel
}

func (m *MockLogger) With(kv ...any) logger.Logger {
	return &MockLogger{
		s:    m.s,
		args: append(append(make([]any, 0, len(m.args)+len(kv)), m.args...), kv...),
	}
}

func (m *MockLogger) Debug(msg string, kv ...any) {
	m.Log(logger.DebugLevel, msg, kv...)
}

func (m *MockLogger) Info(msg string, kv ...any) {
	m.Log(logger.InfoLevel, msg, kv...)
}

func (m *MockLogger) Warn(msg string, kv ...any) {
	m.Log(logger.WarnLevel, msg, kv...)
}

func (m *MockLogger) Error(msg string, kv ...any) {
	m.Log(logger.ErrorLevel, msg, kv...)
}
