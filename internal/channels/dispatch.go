package channels

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/persistence"
)

// Inbound is one parsed inbound message from an adapter payload.
type Inbound struct {
	ExternalMsgID string
	SenderID      string
	Text          string
	Media         map[string]any
}

// Adapter is the outbound/inbound contract a concrete channel implements.
// ChannelType must be unique across registered adapters.
type Adapter interface {
	ChannelType() string
	// SendText delivers text to a recipient and returns the transport's
	// HTTP-like status code.
	SendText(ctx context.Context, recipient, text string) (int, error)
	// ParseInbound decodes a raw webhook/update payload. History-sync
	// frames are discarded here, before anything reaches a thread.
	ParseInbound(payload []byte) ([]Inbound, error)
}

// TypingNotifier is implemented by adapters that can clear a typing
// indicator after a send; purely best-effort.
type TypingNotifier interface {
	TypingPaused(ctx context.Context, recipient string)
}

// ChannelError wraps a transport failure with the status that caused it,
// so the retry loop can classify it.
type ChannelError struct {
	Status int
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel send failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("channel send failed (status %d)", e.Status)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// retryableStatus lists the HTTP statuses worth another attempt. Any other
// 4xx is a permanent rejection.
func retryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// SendResult reports what happened to one outbound message.
type SendResult struct {
	Status   string `json:"status"` // sent, skipped, blocked, dead_letter
	Attempts int    `json:"attempts"`
}

// Dispatcher owns the adapter registry and the outbound retry loop. One per
// process; adapters register at startup.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	store  *persistence.Store
	events *eventlog.Log
	logger *slog.Logger

	// Injection points for tests; production uses real delays and jitter.
	delays []time.Duration
	sleep  func(time.Duration)
	jitter func() float64
}

func NewDispatcher(store *persistence.Store, events *eventlog.Log, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		adapters: map[string]Adapter{},
		store:    store,
		events:   events,
		logger:   logger,
		delays:   []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second},
		sleep:    time.Sleep,
		jitter:   rand.Float64,
	}
}

// Register adds an adapter under its channel type.
func (d *Dispatcher) Register(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.ChannelType()] = a
}

func (d *Dispatcher) adapter(channelType string) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[channelType]
	return a, ok
}

// Send delivers one assistant reply to the thread's channel. It never
// returns an error: every terminal outcome is reported through events and
// the SendResult, so the owning task always completes.
func (d *Dispatcher) Send(ctx context.Context, threadID, messageID, text string) SendResult {
	thread, err := d.store.GetThread(ctx, threadID)
	if err != nil {
		d.logger.Warn("outbound: thread lookup failed", "thread_id", threadID, "error", err)
		return SendResult{Status: "skipped"}
	}
	channelType, err := d.store.ChannelKind(ctx, thread.ChannelID)
	if err != nil {
		d.logger.Warn("outbound: channel lookup failed", "channel_id", thread.ChannelID, "error", err)
		return SendResult{Status: "skipped"}
	}

	adapter, ok := d.adapter(channelType)
	if !ok {
		if channelType != "cli" {
			d.logger.Warn("outbound: no adapter registered", "channel_type", channelType)
		}
		return SendResult{Status: "skipped"}
	}

	if locked, err := d.store.IsLockdown(ctx); err == nil && locked {
		d.emit(ctx, threadID, "channel.outbound.blocked", map[string]any{
			"message_id": messageID,
			"channel":    channelType,
			"reason":     "lockdown",
		})
		return SendResult{Status: "blocked"}
	}

	recipient := thread.UserID
	var lastErr error
	for attempt := 0; ; attempt++ {
		status, err := adapter.SendText(ctx, recipient, text)
		if err == nil && status < 400 {
			d.emit(ctx, threadID, "channel.outbound", map[string]any{
				"message_id": messageID,
				"channel":    channelType,
				"status":     "sent",
				"attempts":   attempt + 1,
			})
			if tn, ok := adapter.(TypingNotifier); ok {
				tn.TypingPaused(ctx, recipient)
			}
			return SendResult{Status: "sent", Attempts: attempt + 1}
		}

		if err != nil {
			lastErr = &ChannelError{Status: status, Err: err}
		} else {
			lastErr = &ChannelError{Status: status}
		}

		// A non-429 4xx will reject every retry too; stop immediately.
		if err == nil && status >= 400 && status < 500 && status != 429 {
			break
		}
		if attempt >= len(d.delays) {
			break
		}
		delay := d.delays[attempt] + time.Duration(d.jitter()*float64(time.Second))
		d.sleep(delay)
	}

	d.logger.Error("outbound: delivery exhausted", "thread_id", threadID, "message_id", messageID, "error", lastErr)
	d.emit(ctx, threadID, "task.dead_letter", map[string]any{
		"message_id": messageID,
		"channel":    channelType,
		"error":      lastErr.Error(),
	})
	return SendResult{Status: "dead_letter"}
}

func (d *Dispatcher) emit(ctx context.Context, threadID, eventType string, payload map[string]any) {
	if d.events == nil {
		return
	}
	if _, err := d.events.Emit(ctx, eventlog.EventInput{
		TraceID:   ids.NewTrace(),
		SpanID:    ids.NewSpan(),
		ThreadID:  threadID,
		EventType: eventType,
		ActorID:   "dispatcher",
		Payload:   payload,
	}); err != nil {
		d.logger.Warn("outbound: event emit failed", "event_type", eventType, "error", err)
	}
}
