package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/substrate/internal/ids"
)

// runChatCommand is the interactive REPL: each line becomes a user message
// and runs one inline agent step. /quit ends the session.
func runChatCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	userID := fs.String("user-id", "local", "user id to attribute messages to")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	app, err := buildRuntime(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return exitUsage
	}
	defer app.Close()

	thread, err := resolveThread(ctx, app.store, *userID, "", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return exitFailure
	}

	fmt.Printf("substrate %s — thread %s. /quit to exit.\n", Version, thread.ID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return exitOK
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return exitOK
		}
		select {
		case <-ctx.Done():
			return exitOK
		default:
		}

		if _, err := app.store.AppendThreadMessage(ctx, thread.ID, "user", line); err != nil {
			fmt.Fprintf(os.Stderr, "chat: %v\n", err)
			continue
		}
		stepCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		result, err := app.orch.Step(stepCtx, ids.NewTrace(), thread.ID, "main")
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "chat: %v\n", err)
			continue
		}
		fmt.Println(result.Reply)
	}
}
