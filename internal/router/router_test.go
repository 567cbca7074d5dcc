package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// stubBrain is a scriptable provider lane.
type stubBrain struct {
	name    string
	out     GenerateOutput
	err     error
	healthy bool
	calls   int
}

func (b *stubBrain) Name() string { return b.name }

func (b *stubBrain) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	b.calls++
	if b.err != nil {
		return GenerateOutput{}, b.err
	}
	return b.out, nil
}

func (b *stubBrain) HealthCheck(ctx context.Context) bool { return b.healthy }

func newTestRouter(primary, fallback Brain, threshold int) *Router {
	return New(primary, fallback, RouterConfig{
		QueueThresholdLocal: threshold,
		BreakerThreshold:    100, // keep breakers out of the way
		BreakerCooldown:     time.Minute,
	})
}

func TestRouter_PrimarySuccess(t *testing.T) {
	primary := &stubBrain{name: "p", out: GenerateOutput{Text: "hi"}}
	fallback := &stubBrain{name: "f", out: GenerateOutput{Text: "nope"}}
	r := newTestRouter(primary, fallback, 0)

	out, lane, err := r.Generate(context.Background(), GenerateInput{Priority: "normal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lane != "primary" || out.Text != "hi" {
		t.Fatalf("got (%q, %q), want (hi, primary)", out.Text, lane)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback was called %d times", fallback.calls)
	}
}

func TestRouter_FallbackCarriesPrimaryError(t *testing.T) {
	primary := &stubBrain{name: "p", err: errors.New("boom")}
	fallback := &stubBrain{name: "f", out: GenerateOutput{Text: "ok"}}
	r := newTestRouter(primary, fallback, 0)

	out, lane, err := r.Generate(context.Background(), GenerateInput{Priority: "normal"})
	if lane != "fallback" || out.Text != "ok" {
		t.Fatalf("got (%q, %q), want (ok, fallback)", out.Text, lane)
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("primary error not carried: %v", err)
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Lane != "primary" {
		t.Fatalf("expected a primary-lane ProviderError, got %T", err)
	}
}

func TestRouter_LowPriorityDoesNotBurnOverloadedLocalLLM(t *testing.T) {
	primary := &stubBrain{name: "p", err: errors.New("down")}
	fallback := &stubBrain{name: "f", out: GenerateOutput{Text: "ok"}}
	r := newTestRouter(primary, fallback, 5)
	r.queue.url = "stub"
	r.queue.fetch = func(string) (int, error) { return 10, nil }

	_, _, err := r.Generate(context.Background(), GenerateInput{Priority: "low"})
	var dual *DualFailureError
	if !errors.As(err, &dual) {
		t.Fatalf("expected DualFailureError, got %v", err)
	}
	if !errors.Is(dual.Fallback, ErrLocalLLMOverloaded) {
		t.Fatalf("fallback reason = %v, want overload", dual.Fallback)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback was called despite overload")
	}

	// Normal priority ignores the overload signal.
	out, lane, _ := r.Generate(context.Background(), GenerateInput{Priority: "normal"})
	if lane != "fallback" || out.Text != "ok" {
		t.Fatalf("normal priority got (%q, %q), want (ok, fallback)", out.Text, lane)
	}
}

func TestRouter_DualFailureCombinesBothErrors(t *testing.T) {
	primary := &stubBrain{name: "p", err: errors.New("p-dead")}
	fallback := &stubBrain{name: "f", err: errors.New("f-dead")}
	r := newTestRouter(primary, fallback, 0)

	_, lane, err := r.Generate(context.Background(), GenerateInput{})
	if lane != "" {
		t.Fatalf("lane = %q on dual failure", lane)
	}
	var dual *DualFailureError
	if !errors.As(err, &dual) {
		t.Fatalf("expected DualFailureError, got %T", err)
	}
	for _, frag := range []string{"p-dead", "f-dead"} {
		if !strings.Contains(err.Error(), frag) {
			t.Fatalf("error %q missing %q", err.Error(), frag)
		}
	}
}

func TestRouter_QueueProbeCachesForTTL(t *testing.T) {
	fetches := 0
	q := newQueueProbe("stub")
	q.fetch = func(string) (int, error) {
		fetches++
		return 3, nil
	}
	for i := 0; i < 5; i++ {
		if _, err := q.depth(); err != nil {
			t.Fatalf("depth: %v", err)
		}
	}
	if fetches != 1 {
		t.Fatalf("probe fetched %d times within TTL, want 1", fetches)
	}
}

func TestRouter_HealthCheckProbesBothLanes(t *testing.T) {
	r := newTestRouter(&stubBrain{name: "p", healthy: true}, &stubBrain{name: "f", healthy: false}, 0)
	hs := r.HealthCheck(context.Background())
	if !hs.Primary || hs.Fallback {
		t.Fatalf("health = %+v, want primary up, fallback down", hs)
	}
}

func TestParseToolCalls(t *testing.T) {
	text := `Let me check.
<|tool_call|>{"name": "echo", "arguments": {"x": 1}}<|/tool_call|>
Done.`
	rest, calls := parseToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "echo" {
		t.Fatalf("calls = %+v", calls)
	}
	if strings.Contains(rest, "tool_call") {
		t.Fatalf("tool call block not removed: %q", rest)
	}
	if !strings.Contains(rest, "Let me check.") || !strings.Contains(rest, "Done.") {
		t.Fatalf("surrounding text lost: %q", rest)
	}
}
