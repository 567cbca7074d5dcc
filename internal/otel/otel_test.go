package otel

import (
	"context"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown must not error: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatal("enabled provider must populate tracer and meter")
	}
}

func TestInit_UnknownExporterRejected(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_OptionsAccepted(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "my-custom-service",
		SampleRate:  0.5,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestStartSpan(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "agent.step",
		AttrTraceID.String("trc_test"),
		AttrThreadID.String("thr_test"),
		AttrActorID.String("main"),
	)
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
	_ = ctx
}
