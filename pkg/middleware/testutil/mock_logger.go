// Package testutil provides helpers for middleware tests.
package testutil

import (
	"context"
	"sync"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// MockLogger captures log entries for assertions. Children created by With
// share the parent's entries.
type MockLogger struct {
	sink   *sink
	fields []any
}

type sink struct {
	mu   sync.Mutex
	logs []LogEntry
}

// LogEntry is a single captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

// NewMockLogger returns an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{sink: &sink{}}
}

func (m *MockLogger) Debug(msg string, args ...any) {
	m.record("debug", msg, args)
}

func (m *MockLogger) Info(msg string, args ...any) {
	m.record("info", msg, args)
}

func (m *MockLogger) Warn(msg string, args ...any) {
	m.record("warn", msg, args)
}

func (m *MockLogger) Error(msg string, args ...any) {
	m.record("error", msg, args)
}

func (m *MockLogger) With(args ...any) logger.Logger {
	return &MockLogger{sink: m.sink, fields: append(append([]any{}, m.fields...), args...)}
}

// WithContext adds the request id found in ctx, like the zap logger does.
func (m *MockLogger) WithContext(ctx context.Context) logger.Logger {
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		return m.With("request_id", requestID)
	}
	return m
}

// Entries returns a copy of the captured entries.
func (m *MockLogger) Entries() []LogEntry {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	return append([]LogEntry{}, m.sink.logs...)
}

// Find returns the first entry logged with msg.
func (m *MockLogger) Find(msg string) (LogEntry, bool) {
	for _, entry := range m.Entries() {
		if entry.Msg == msg {
			return entry, true
		}
	}
	return LogEntry{}, false
}

func (m *MockLogger) record(level, msg string, args []any) {
	fields := make(map[string]any)
	all := append(append([]any{}, m.fields...), args...)
	for i := 0; i+1 < len(all); i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}

	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.logs = append(m.sink.logs, LogEntry{Level: level, Msg: msg, Fields: fields})
}
