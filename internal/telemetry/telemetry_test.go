package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInit_None(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Stdout(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{Exporter: "stdout", Writer: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := StartSpan(context.Background(), "consolidate", AttrAttempt.Int(1))
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "consolidate") {
		t.Errorf("exported spans missing span name:\n%s", buf.String())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "zipkin"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
