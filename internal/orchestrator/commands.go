package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// isCommand reports whether a user message is a recognized slash command.
// Unrecognized slash-prefixed text still goes to the model: users paste
// file paths and URLs starting with "/" often enough that only an exact
// command match short-circuits.
func isCommand(message string) bool {
	cmd := commandWord(message)
	switch cmd {
	case "/status", "/help":
		return true
	}
	return false
}

func commandWord(message string) string {
	fields := strings.Fields(strings.TrimSpace(message))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// handleCommand produces the direct reply for a slash command, bypassing
// the model entirely.
func (o *Orchestrator) handleCommand(ctx context.Context, message string) string {
	switch commandWord(message) {
	case "/status":
		return o.statusReport(ctx)
	case "/help":
		return "Commands: /status (runtime health), /help. Anything else goes to the assistant."
	}
	return "Unknown command."
}

func (o *Orchestrator) statusReport(ctx context.Context) string {
	var b strings.Builder

	hs := o.gen.HealthCheck(ctx)
	fmt.Fprintf(&b, "providers: primary=%s fallback=%s\n", upDown(hs.Primary), upDown(hs.Fallback))

	if state, err := o.store.GetSystemState(ctx); err == nil {
		fmt.Fprintf(&b, "lockdown: %v", state.Lockdown)
		if state.Lockdown && state.LockdownReason != "" {
			fmt.Fprintf(&b, " (%s)", state.LockdownReason)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "restarting: %v\n", state.Restarting)
	}
	if depth, err := o.store.QueueDepth(ctx); err == nil {
		fmt.Fprintf(&b, "queue depth: %d\n", depth)
	}
	return strings.TrimRight(b.String(), "\n")
}

func upDown(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}
