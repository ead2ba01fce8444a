package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plain := LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Fatalf("no span should mean no trace id: %s", buf.String())
	}
	buf.Reset()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	traced := LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	if !strings.Contains(buf.String(), span.SpanContext().TraceID().String()) {
		t.Fatalf("expected trace id in %s", buf.String())
	}
}

func TestSetLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	if err := SetLogLevel("warn"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn, got %v", zerolog.GlobalLevel())
	}
	if err := SetLogLevel("loud"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatal("failed parse must not change the level")
	}
}

func TestStartWithoutExporters(t *testing.T) {
	shutdown, err := Start(context.Background(), Config{ServiceName: "test"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	RegisterRuntimeCollectors()
	RegisterRuntimeCollectors()
}

func TestSamplerFollowsRatio(t *testing.T) {
	cases := map[float64]string{1: "AlwaysOnSampler", 0: "AlwaysOffSampler", 0.5: "TraceIDRatioBased"}
	for ratio, want := range cases {
		if desc := sampler(ratio).Description(); !strings.Contains(desc, want) {
			t.Fatalf("ratio %v: expected %s in %q", ratio, want, desc)
		}
	}
}

func TestMetricsServerServesRegistry(t *testing.T) {
	RegisterRuntimeCollectors()
	srv := newMetricsServer(":0")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "runtime_goroutines") {
		t.Fatalf("expected runtime collectors in output")
	}
}
