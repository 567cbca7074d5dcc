package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.5-dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s ask <message>            Insert a user message, run one agent step, print the reply
                              Flags: --user-id, --thread, --new-thread, --enqueue,
                                     --timeout-s, --json
  %s chat                     Interactive REPL; /quit ends
                              Flags: --user-id
  %s test-gates               Run the ordered gate command list, summarize pass/fail
                              Flags: --fail-fast, --json
  %s daemon                   Run the full runtime in the foreground
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SUBSTRATE_HOME          Data directory (default: ~/.substrate)
  APP_DB                  Store path (default: <home>/substrate.db)
  APP_ENV                 dev|prod config validation strictness

EXIT CODES:
  0 success, 1 failure, 2 usage/environment error
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		// Bare invocation on a terminal drops into chat; piped input runs
		// a single ask over stdin.
		if isatty.IsTerminal(os.Stdout.Fd()) {
			os.Exit(runChatCommand(ctx, nil))
		}
		os.Exit(runStdinAsk(ctx))
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	case "version":
		fmt.Println(Version)
		os.Exit(exitOK)
	case "ask":
		os.Exit(runAskCommand(ctx, args[1:]))
	case "chat":
		os.Exit(runChatCommand(ctx, args[1:]))
	case "test-gates":
		os.Exit(runTestGatesCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemonCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(exitUsage)
	}
}

// runStdinAsk treats piped stdin as a one-shot ask.
func runStdinAsk(ctx context.Context) int {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	message := strings.TrimSpace(strings.Join(lines, "\n"))
	if message == "" {
		printUsage()
		return exitUsage
	}
	return runAskCommand(ctx, []string{message})
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failed", "reason", reasonCode, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", reasonCode, err)
	os.Exit(exitUsage)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
