package tools

import (
	"strings"
	"testing"
	"time"
)

func TestDenyList(t *testing.T) {
	for _, cmd := range []string{"rm", "sudo", "kill", "killall", "shutdown", "reboot"} {
		if _, ok := denyList[cmd]; !ok {
			t.Errorf("%q must be denied", cmd)
		}
	}
	for _, cmd := range []string{"echo", "ls", "cat", "grep", "find", "wc", "head", "tail", "sort", "curl", "git"} {
		if _, ok := denyList[cmd]; ok {
			t.Errorf("%q must not be denied", cmd)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("hello", 100); got != "hello" {
		t.Fatalf("under-limit output must pass through, got %q", got)
	}

	got := truncateOutput(strings.Repeat("a", 100), 50)
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Fatalf("missing truncation marker: %q", got)
	}
	if len(got) != 50+len("\n... (truncated)") {
		t.Fatalf("truncated length = %d", len(got))
	}
}

func TestSplitCommandSegments(t *testing.T) {
	cases := []struct {
		cmd  string
		want []string
	}{
		{"echo hello", []string{"echo hello"}},
		{"echo hello | grep hello", []string{"echo hello", "grep hello"}},
		{"ls -la && echo done", []string{"ls -la", "echo done"}},
		{"cat foo || echo fallback", []string{"cat foo", "echo fallback"}},
		{"echo a | grep a && echo b || echo c", []string{"echo a", "grep a", "echo b", "echo c"}},
		{"", nil},
		{"  echo hello  ", []string{"echo hello"}},
	}
	for _, tc := range cases {
		got := splitCommandSegments(tc.cmd)
		if len(got) != len(tc.want) {
			t.Errorf("splitCommandSegments(%q) = %v, want %v", tc.cmd, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitCommandSegments(%q)[%d] = %q, want %q", tc.cmd, i, got[i], tc.want[i])
			}
		}
	}
}

func TestShell_DenyListChecksEverySegment(t *testing.T) {
	// Pipes and logical operators are legal; each segment is checked on
	// its own, so a denied command cannot hide behind a pipe.
	denied := func(cmd string) bool {
		for _, seg := range splitCommandSegments(cmd) {
			for _, tok := range strings.Fields(seg) {
				if _, blocked := denyList[tok]; blocked {
					return true
				}
			}
		}
		return false
	}

	if denied("echo hello | grep hello") {
		t.Fatal("benign pipe must pass")
	}
	if !denied("echo hello | rm -rf /") {
		t.Fatal("denied command in a pipe segment must be caught")
	}
	if !denied("ls && sudo reboot") {
		t.Fatal("denied command behind && must be caught")
	}
}

func TestShell_TimeoutClamp(t *testing.T) {
	input := ShellInput{Command: "sleep 1", TimeoutSec: 200}

	timeout := defaultShellTimeout
	if input.TimeoutSec > 0 {
		timeout = time.Duration(input.TimeoutSec) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}
	if timeout != maxShellTimeout {
		t.Fatalf("oversized request must clamp to %v, got %v", maxShellTimeout, timeout)
	}
}
