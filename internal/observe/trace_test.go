package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps in a tracer provider backed by an in-memory exporter.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	installTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "lifecycle.Connect")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 {
			t.Fatalf("correlation ID %q, want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestSessionID(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx = WithSession(ctx, "s-42")
	if got := SessionID(ctx); got != "s-42" {
		t.Errorf("SessionID = %q, want s-42", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSpan(WithSession(context.Background(), "s-7"), "lifecycle.Connect")
	span.End()
	_, plain := StartSpan(context.Background(), "plain")
	plain.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "parley.session_id" && a.Value.AsString() == "s-7" {
			found = true
		}
	}
	if !found {
		t.Errorf("session span attributes = %v", spans[0].Attributes)
	}
	for _, a := range spans[1].Attributes {
		if a.Key == "parley.session_id" {
			t.Errorf("span without session carries %v", a)
		}
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare",
			ctx:     context.Background,
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "span",
			ctx: func() context.Context {
				ctx, _ := StartSpan(context.Background(), "op")
				return ctx
			},
			want:    []string{"trace_id=", "span_id="},
			notWant: []string{"session_id"},
		},
		{
			name: "span and session",
			ctx: func() context.Context {
				ctx, _ := StartSpan(WithSession(context.Background(), "s-1"), "op")
				return ctx
			},
			want: []string{"trace_id=", "session_id=s-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx()).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
