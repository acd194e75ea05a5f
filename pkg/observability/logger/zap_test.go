package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: DebugLevel, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	log.Info("item claimed", "queue", "payments", "item_id", "abc")
	_ = log.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry %q: %v", buf.String(), err)
	}
	if entry["message"] != "item claimed" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if entry["queue"] != "payments" || entry["item_id"] != "abc" {
		t.Fatalf("missing structured fields: %v", entry)
	}
}

func TestNewZapLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewZapLogger(Config{Level: WarnLevel, Format: TextFormat, Output: &buf})
	log.Info("hidden")
	log.Warn("shown")
	_ = log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestZapLogger_WithContextAddsFieldsAndTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLoggerFromCore(core)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = ContextWithFields(ctx, "queue", "payments")
	ctx = ContextWithFields(ctx, "item_id", "abc")

	log.WithContext(ctx).Warn("lease lost")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["queue"] != "payments" || fields["item_id"] != "abc" {
		t.Fatalf("expected context fields, got %v", fields)
	}
	if fields["trace_id"] != traceID.String() {
		t.Fatalf("expected trace id, got %v", fields["trace_id"])
	}
}

func TestParseLogLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLogLevel("WARNING"); err != nil || lvl != WarnLevel {
		t.Fatalf("ParseLogLevel(WARNING) = %v, %v", lvl, err)
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if f, err := ParseLogFormat("console"); err != nil || f != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %v, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNopLogger(t *testing.T) {
	log := Nop()
	log.With("k", "v").WithContext(context.Background()).Error("ignored")
}
