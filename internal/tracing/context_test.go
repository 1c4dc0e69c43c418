package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()

	if id1 == "" {
		t.Error("NewRunID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithExpert(ctx, "Anime")
	ctx = WithRequestID(ctx, "req-1")

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", got)
	}
	if got := GetRunID(ctx); got != "run-1" {
		t.Errorf("Expected run ID run-1, got %s", got)
	}
	if got := GetExpert(ctx); got != "Anime" {
		t.Errorf("Expected expert Anime, got %s", got)
	}
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("Expected request ID req-1, got %s", got)
	}
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetExpert(ctx) != "" || GetRequestID(ctx) != "" {
		t.Error("Expected empty values from a bare context")
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	tc := &TraceContext{
		TraceID:   "trace-2",
		RunID:     "run-2",
		Expert:    "Manga",
		RequestID: "req-2",
	}

	got := FromContext(NewContext(context.Background(), tc))
	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	if GetTraceID(ctx) == "" {
		t.Error("NewRequestContext did not set a trace ID")
	}
	if GetRunID(ctx) != "" {
		t.Error("NewRequestContext should not set a run ID")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithRunID(WithTraceID(context.Background(), "trace-3"), "run-3")
	ctx = WithExpert(ctx, "Forums")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("step")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-3"`, `"run_id":"run-3"`, `"expert":"Forums"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, "request_id") {
		t.Errorf("Unexpected request_id in %s", out)
	}
}

func TestLoggerFromContext_NoFields(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("plain")

	if strings.Contains(buf.String(), "run_id") {
		t.Errorf("Unexpected tracing fields in %s", buf.String())
	}
}
