package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the slice of the store needed to persist breaker state across
// restarts.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Lane pairs a Brain with the provider name used for breaker tracking and
// logging.
type Lane struct {
	Name  string
	Brain Brain
}

// breaker tracks consecutive failures and trip state for one provider.
type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverBrain tries its primary lane first, then each fallback in order,
// skipping lanes whose breaker is open. It implements Brain, so an engine
// cannot tell a failover stack from a single provider.
type FailoverBrain struct {
	primary   Lane
	fallbacks []Lane

	mu       sync.Mutex
	breakers map[string]*breaker
	threshold int
	cooldown  time.Duration
	kvStore   KVStore
}

// NewFailoverBrain builds the failover stack. The breaker trips after
// threshold consecutive failures and re-closes after cooldown.
func NewFailoverBrain(primary Lane, fallbacks []Lane, threshold int, cooldown time.Duration) *FailoverBrain {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	breakers := map[string]*breaker{primary.Name: {}}
	for _, fb := range fallbacks {
		breakers[fb.Name] = &breaker{}
	}

	return &FailoverBrain{
		primary:   primary,
		fallbacks: fallbacks,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Respond walks the lanes until one answers. Context-overflow errors abort
// the walk: the prompt is the same everywhere, so another lane cannot help.
func (fb *FailoverBrain) Respond(ctx context.Context, sessionID, content string) (string, error) {
	var lastErr error
	for _, lane := range fb.lanes() {
		if fb.isTripped(lane.Name) {
			slog.Info("failover: skipping tripped provider", "provider", lane.Name)
			continue
		}

		resp, err := lane.Brain.Respond(ctx, sessionID, content)
		if err == nil {
			fb.recordSuccess(lane.Name)
			return resp, nil
		}

		lastErr = err
		fb.recordFailure(lane.Name)
		ec := ClassifyError(err)
		slog.Warn("failover: provider failed",
			"provider", lane.Name,
			"error_class", string(ec),
			"error", err,
		)
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", lane.Name, err)
		}
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// Stream is Respond's streaming twin.
func (fb *FailoverBrain) Stream(ctx context.Context, sessionID, content string, onChunk func(content string) error) error {
	var lastErr error
	for _, lane := range fb.lanes() {
		if fb.isTripped(lane.Name) {
			slog.Info("failover: skipping tripped provider for stream", "provider", lane.Name)
			continue
		}

		err := lane.Brain.Stream(ctx, sessionID, content, onChunk)
		if err == nil {
			fb.recordSuccess(lane.Name)
			return nil
		}

		lastErr = err
		fb.recordFailure(lane.Name)
		ec := ClassifyError(err)
		slog.Warn("failover: stream provider failed",
			"provider", lane.Name,
			"error_class", string(ec),
			"error", err,
		)
		if ec == ErrorClassContextOverflow {
			return fmt.Errorf("failover: context overflow from %s: %w", lane.Name, err)
		}
	}
	return fmt.Errorf("failover: all providers failed for stream, last error: %w", lastErr)
}

func (fb *FailoverBrain) lanes() []Lane {
	return append([]Lane{fb.primary}, fb.fallbacks...)
}

// isTripped also re-closes a breaker whose cooldown has elapsed.
func (fb *FailoverBrain) isTripped(name string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	cb, ok := fb.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= fb.cooldown {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetKVStore enables breaker-state persistence across restarts.
func (fb *FailoverBrain) SetKVStore(store KVStore) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.kvStore = store
}

func (fb *FailoverBrain) recordFailure(name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	cb, ok := fb.breakers[name]
	if !ok {
		cb = &breaker{}
		fb.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= fb.threshold {
		cb.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	fb.persistBreakerState(name, cb)
}

func (fb *FailoverBrain) recordSuccess(name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	cb, ok := fb.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
	fb.persistBreakerState(name, cb)
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// persistBreakerState runs with fb.mu held.
func (fb *FailoverBrain) persistBreakerState(name string, cb *breaker) {
	if fb.kvStore == nil {
		return
	}
	data, err := json.Marshal(breakerState{cb.failures, cb.lastFailure, cb.tripped})
	if err != nil {
		return
	}
	_ = fb.kvStore.KVSet(context.Background(), "cb:"+name, string(data))
}

// LoadBreakerState restores persisted breaker state, so a provider that was
// hard-down before a restart stays skipped until its cooldown passes.
func (fb *FailoverBrain) LoadBreakerState(ctx context.Context) {
	if fb.kvStore == nil {
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for name, cb := range fb.breakers {
		val, err := fb.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}
