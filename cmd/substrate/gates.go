package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/exec"
	"time"
)

// gate is one named check in the ordered gate list.
type gate struct {
	Name    string
	Command string
	Args    []string
	Timeout time.Duration
}

// gateResult is one gate's outcome, also the --json row shape.
type gateResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	DurationMS int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

const gateOutputCap = 16 * 1024

// defaultGates is the ordered list test-gates runs. Each entry is one of
// the standalone verify programs, invoked through the Go toolchain so a
// fresh checkout needs no prebuilt binaries.
func defaultGates() []gate {
	const runTimeout = 120 * time.Second
	return []gate{
		{Name: "build", Command: "go", Args: []string{"build", "./..."}, Timeout: 600 * time.Second},
		{Name: "vet", Command: "go", Args: []string{"vet", "./..."}, Timeout: 600 * time.Second},
		{Name: "policy_default_check", Command: "go", Args: []string{"run", "./tools/verify/policy_default_check"}, Timeout: runTimeout},
		{Name: "runtime_smoke", Command: "go", Args: []string{"run", "./tools/verify/runtime_smoke"}, Timeout: runTimeout},
		{Name: "non_goals_audit", Command: "go", Args: []string{"run", "./tools/verify/non_goals_audit"}, Timeout: runTimeout},
	}
}

func runTestGatesCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("test-gates", flag.ContinueOnError)
	failFast := fs.Bool("fail-fast", false, "stop at the first failing gate")
	jsonOut := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var results []gateResult
	failed := 0
	for _, g := range defaultGates() {
		res := runGate(ctx, g)
		results = append(results, res)
		if !res.Passed {
			failed++
			if *failFast {
				break
			}
		}
	}

	if *jsonOut {
		body, _ := json.Marshal(map[string]any{
			"gates":  results,
			"passed": failed == 0,
		})
		fmt.Println(string(body))
	} else {
		for _, r := range results {
			status := "PASS"
			if !r.Passed {
				status = "FAIL"
			}
			fmt.Printf("%-24s %s (%dms)\n", r.Name, status, r.DurationMS)
			if !r.Passed && r.Output != "" {
				fmt.Println(indent(r.Output))
			}
		}
		fmt.Printf("%d/%d gates passed\n", len(results)-failed, len(results))
	}

	if failed > 0 {
		return exitFailure
	}
	return exitOK
}

func runGate(ctx context.Context, g gate) gateResult {
	gctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(gctx, g.Command, g.Args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()

	out := buf.Bytes()
	if len(out) > gateOutputCap {
		out = out[:gateOutputCap]
	}
	res := gateResult{
		Name:       g.Name,
		Passed:     err == nil,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Output = string(out)
		if gctx.Err() != nil {
			res.Output += "\n(timed out)"
		}
	}
	return res
}

func indent(s string) string {
	var buf bytes.Buffer
	for _, line := range bytes.Split([]byte(s), []byte("\n")) {
		buf.WriteString("    ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.String()
}
