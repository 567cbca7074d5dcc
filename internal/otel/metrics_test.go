package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.StepDuration == nil || m.ModelRunDuration == nil || m.TokensUsed == nil {
		t.Error("step/model instruments missing")
	}
	if m.ToolCallDuration == nil || m.ToolCallErrors == nil {
		t.Error("tool instruments missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop meter: %v", err)
	}
	// Recording against noop instruments must be safe.
	m.StepDuration.Record(context.Background(), 0.01)
	m.TokensUsed.Add(context.Background(), 42)
}
