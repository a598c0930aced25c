package telemetry

import (
	"context"
	"io"
	"log"
	"testing"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: ExporterNone}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("setup tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: ExporterOTLP}, nil); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
}
