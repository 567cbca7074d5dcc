package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/router"
)

// askEnvelope is the --json output shape, success or failure.
type askEnvelope struct {
	Reply    string    `json:"reply,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
	Lane     string    `json:"lane,omitempty"`
	Error    *askError `json:"error,omitempty"`
}

type askError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func runAskCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	userID := fs.String("user-id", "local", "user id to attribute the message to")
	threadFlag := fs.String("thread", "", "thread id to continue (default: user's open thread)")
	newThread := fs.Bool("new-thread", false, "start a fresh thread instead of the open one")
	enqueue := fs.Bool("enqueue", false, "queue the step through the task runner instead of running inline")
	timeoutS := fs.Int("timeout-s", 60, "seconds to wait for the reply")
	jsonOut := fs.Bool("json", false, "print a JSON envelope")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		fmt.Fprintln(os.Stderr, "ask: message must be non-empty")
		return exitUsage
	}

	app, err := buildRuntime(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask: %v\n", err)
		return exitUsage
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(*timeoutS)*time.Second)
	defer cancel()

	thread, err := resolveThread(ctx, app.store, *userID, *threadFlag, *newThread)
	if err != nil {
		return askFail(*jsonOut, "", "", err)
	}
	if _, err := app.store.AppendThreadMessage(ctx, thread.ID, "user", message); err != nil {
		return askFail(*jsonOut, thread.ID, "", err)
	}

	traceID := ids.NewTrace()

	if *enqueue {
		return askEnqueued(ctx, app, thread.ID, traceID, *jsonOut)
	}

	result, err := app.orch.Step(ctx, traceID, thread.ID, "main")
	if err != nil {
		return askFail(*jsonOut, thread.ID, traceID, err)
	}
	if result.Status == "skipped" {
		return askFail(*jsonOut, thread.ID, traceID, fmt.Errorf("system is restarting; try again shortly"))
	}

	printAskResult(*jsonOut, askEnvelope{
		Reply:    result.Reply,
		ThreadID: thread.ID,
		TraceID:  traceID,
		Lane:     result.Lane,
	})
	if result.Status == "failed" {
		return exitFailure
	}
	return exitOK
}

// askEnqueued routes the step through the task runner and waits for the
// agent.done notification, the way a channel-delivered message would run.
func askEnqueued(ctx context.Context, app *appRuntime, threadID, traceID string, jsonOut bool) int {
	sub := app.bus.Subscribe("agent.done")
	defer app.bus.Unsubscribe(sub)

	payload, _ := json.Marshal(map[string]string{
		"kind":      "agent_step",
		"trace_id":  traceID,
		"thread_id": threadID,
		"actor_id":  "main",
	})
	if _, err := app.store.CreateTask(ctx, threadID, string(payload)); err != nil {
		return askFail(jsonOut, threadID, traceID, err)
	}
	app.engine.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return askFail(jsonOut, threadID, traceID, ctx.Err())
		case ev := <-sub.Ch():
			data, ok := ev.Payload.(map[string]string)
			if !ok || data["trace_id"] != traceID {
				continue
			}
			reply, err := lastAssistantMessage(ctx, app.store, threadID)
			if err != nil {
				return askFail(jsonOut, threadID, traceID, err)
			}
			printAskResult(jsonOut, askEnvelope{Reply: reply, ThreadID: threadID, TraceID: traceID})
			if data["status"] != "ok" {
				return exitFailure
			}
			return exitOK
		}
	}
}

func resolveThread(ctx context.Context, store *persistence.Store, userID, threadID string, newThread bool) (persistence.Thread, error) {
	if err := store.EnsureUser(ctx, userID, userID); err != nil {
		return persistence.Thread{}, err
	}
	if err := store.EnsureChannel(ctx, "cli", "cli"); err != nil {
		return persistence.Thread{}, err
	}
	if threadID != "" {
		return store.GetThread(ctx, threadID)
	}
	if newThread {
		return store.CreateIsolatedThread(ctx, userID, "cli")
	}
	return store.EnsureOpenThread(ctx, userID, "cli")
}

func lastAssistantMessage(ctx context.Context, store *persistence.Store, threadID string) (string, error) {
	tail, err := store.ListThreadTail(ctx, threadID, 50)
	if err != nil {
		return "", err
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Role == "assistant" {
			return tail[i].Content, nil
		}
	}
	return "", fmt.Errorf("no assistant reply recorded")
}

func printAskResult(jsonOut bool, env askEnvelope) {
	if jsonOut {
		body, _ := json.Marshal(env)
		fmt.Println(string(body))
		return
	}
	fmt.Println(env.Reply)
}

func askFail(jsonOut bool, threadID, traceID string, err error) int {
	if jsonOut {
		body, _ := json.Marshal(askEnvelope{
			ThreadID: threadID,
			TraceID:  traceID,
			Error:    &askError{Code: classifyCLIError(err), Message: err.Error()},
		})
		fmt.Println(string(body))
	} else {
		fmt.Fprintf(os.Stderr, "ask: %v\n", err)
	}
	return exitFailure
}

// classifyCLIError maps an error to the structured error codes the JSON
// envelope promises.
func classifyCLIError(err error) string {
	if err == nil {
		return "internal"
	}
	var dual *router.DualFailureError
	if errors.As(err, &dual) {
		return "provider_unavailable"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return "dns_resolution"
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "connection refused"):
		return "network_unreachable"
	case strings.Contains(msg, "provider unavailable"):
		return "provider_unavailable"
	}
	return "internal"
}
