package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewContextLogger_AddsScopedFields(t *testing.T) {
	var buf bytes.Buffer
	prev := defaultLogger
	SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { defaultLogger = prev })

	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-9")
	ctx = WithInstanceID(ctx, "abcd1234")
	NewContextLogger(ctx).Info("env_run")

	line := buf.String()
	if !strings.Contains(line, "trace_id=trace-9") || !strings.Contains(line, "instance_id=abcd1234") {
		t.Fatalf("missing scoped fields: %q", line)
	}
	if TraceID(ctx) != "trace-9" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
}
