package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Fatalf("NewLogger() error = nil, want error")
	}
}

func TestLoggerFromContextAddsTraceIDs(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	var buf bytes.Buffer
	base, err := NewLogger(&buf, "info", "json")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	ctx, span := StartSpan(context.Background(), "voice.turn")
	LoggerFromContext(ctx, base).Info("turn started")
	span.End()

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	traceID, _ := line["trace_id"].(string)
	if len(traceID) != 32 {
		t.Fatalf("trace_id = %q, want 32 hex chars", traceID)
	}
	if spans := exp.GetSpans(); len(spans) != 1 || spans[0].Name != "voice.turn" {
		t.Fatalf("exported spans = %+v, want one voice.turn span", spans)
	}
}

func TestLoggerFromContextWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	base, _ := NewLogger(&buf, "info", "json")
	LoggerFromContext(context.Background(), base).Info("plain")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := line["trace_id"]; ok {
		t.Fatalf("unexpected trace_id in %v", line)
	}
}
