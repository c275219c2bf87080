package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func newBufferLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	log, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: buf})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	return log, buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not json: %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestZapLogger_StructuredFields(t *testing.T) {
	log, buf := newBufferLogger(t, DebugLevel)
	log.Info("job acknowledged", "job_id", "j-1", "kind", "ForgottenEmail")

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "job acknowledged" || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["job_id"] != "j-1" || entry["kind"] != "ForgottenEmail" {
		t.Fatalf("expected structured fields, got %v", entry)
	}
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	log, buf := newBufferLogger(t, WarnLevel)
	log.Debug("debug")
	log.Info("info")
	log.Warn("warn")
	log.Error("error")

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected warn and error only, got %d entries", len(entries))
	}
	if entries[0]["message"] != "warn" || entries[1]["message"] != "error" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestZapLogger_With(t *testing.T) {
	log, buf := newBufferLogger(t, InfoLevel)
	child := log.With("worker", 3)
	child.Info("reserve")
	log.Info("plain")

	entries := decodeEntries(t, buf)
	if entries[0]["worker"] != float64(3) {
		t.Fatalf("expected worker field on child entry, got %v", entries[0])
	}
	if _, ok := entries[1]["worker"]; ok {
		t.Fatalf("parent logger must not inherit child fields: %v", entries[1])
	}
}

func TestZapLogger_WithContext(t *testing.T) {
	log, buf := newBufferLogger(t, InfoLevel)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(
		ContextWithRequestID(context.Background(), "req-42"),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}),
	)

	log.WithContext(ctx).Info("handled")
	log.WithContext(context.Background()).Info("bare")

	entries := decodeEntries(t, buf)
	if entries[0]["request_id"] != "req-42" {
		t.Fatalf("expected request_id, got %v", entries[0])
	}
	if entries[0]["trace_id"] != traceID.String() {
		t.Fatalf("expected trace_id, got %v", entries[0])
	}
	if _, ok := entries[1]["request_id"]; ok {
		t.Fatalf("expected no request_id without context value, got %v", entries[1])
	}
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.Info("discarded", "k", "v")
	log.With("a", 1).WithContext(context.Background()).Error("discarded")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"trace", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseLogLevel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	if got, err := ParseLogFormat("console"); err != nil || got != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %q, %v", got, err)
	}
	if got, err := ParseLogFormat("json"); err != nil || got != JSONFormat {
		t.Fatalf("ParseLogFormat(json) = %q, %v", got, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for xml format")
	}
}

func TestNewZapLogger_RejectsUnknownSettings(t *testing.T) {
	if _, err := NewZapLogger(Config{Level: "verbose"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewZapLogger(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := NewZapLogger(Config{Level: "WARNING", Format: "console", Output: &bytes.Buffer{}}); err != nil {
		t.Fatalf("expected case-insensitive level and console alias, got %v", err)
	}
}
