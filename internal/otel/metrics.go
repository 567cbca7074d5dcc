package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the runtime's metric instruments. The orchestrator records
// step, model, and tool timings; counters accumulate across the process.
type Metrics struct {
	StepDuration     metric.Float64Histogram
	ModelRunDuration metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StepDuration, err = meter.Float64Histogram("substrate.step.duration",
		metric.WithDescription("Agent step duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ModelRunDuration, err = meter.Float64Histogram("substrate.model.duration",
		metric.WithDescription("Model call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.TokensUsed, err = meter.Int64Counter("substrate.model.tokens",
		metric.WithDescription("Total prompt plus completion tokens consumed"),
	); err != nil {
		return nil, err
	}

	if m.ToolCallDuration, err = meter.Float64Histogram("substrate.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ToolCallErrors, err = meter.Int64Counter("substrate.tool.errors",
		metric.WithDescription("Tool calls that returned an error"),
	); err != nil {
		return nil, err
	}

	return m, nil
}
