package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Runtime holds the environment-variable-driven knobs of the execution
// substrate: store path, task runner bounds, scheduler catch-up, queue
// backpressure thresholds, lockdown trip wires, and memory-write
// governance. Unlike Config (YAML, user-editable), Runtime comes entirely
// from the process environment.
type Runtime struct {
	DBPath string
	Env    string // "dev" or "prod"; prod validates strictly

	TaskRunnerMaxConcurrent   int
	TaskRunnerShutdownTimeout time.Duration

	SchedulerMaxCatchup int

	QueueThresholdLocalLLM      int
	QueueThresholdAgentPriority int
	QueueThresholdAgentDefault  int
	QueueThresholdToolsIO       int

	LockdownReadyzFailThreshold   int
	LockdownExecHostFailThreshold int

	MemorySecretScanEnabled bool
	MemoryPIIRedactMode     string // off, mask, deny

	EventRetentionDays  int
	ApprovalTTL         time.Duration
	AdminUnlockCodePath string
}

func defaultRuntime() Runtime {
	return Runtime{
		DBPath:                        "substrate.db",
		Env:                           "dev",
		TaskRunnerMaxConcurrent:       4,
		TaskRunnerShutdownTimeout:     10 * time.Second,
		SchedulerMaxCatchup:           3,
		QueueThresholdLocalLLM:        10,
		QueueThresholdAgentPriority:   50,
		QueueThresholdAgentDefault:    100,
		QueueThresholdToolsIO:         100,
		LockdownReadyzFailThreshold:   3,
		LockdownExecHostFailThreshold: 5,
		MemorySecretScanEnabled:       true,
		MemoryPIIRedactMode:           "mask",
		EventRetentionDays:            90,
		ApprovalTTL:                   15 * time.Minute,
	}
}

// LoadRuntime builds the Runtime from the process environment on top of
// defaults. In prod, a malformed value is a hard startup failure; in dev it
// falls back to the default.
func LoadRuntime() (Runtime, error) {
	rt := defaultRuntime()
	if v := os.Getenv("APP_ENV"); v != "" {
		rt.Env = strings.ToLower(strings.TrimSpace(v))
	}
	strict := rt.Env == "prod"

	if v := os.Getenv("APP_DB"); v != "" {
		rt.DBPath = v
	}
	if v := os.Getenv("ADMIN_UNLOCK_CODE_PATH"); v != "" {
		rt.AdminUnlockCodePath = v
	}

	intVars := []struct {
		key string
		dst *int
		min int
	}{
		{"TASK_RUNNER_MAX_CONCURRENT", &rt.TaskRunnerMaxConcurrent, 1},
		{"SCHEDULER_MAX_CATCHUP", &rt.SchedulerMaxCatchup, 1},
		{"QUEUE_THRESHOLD_LOCAL_LLM", &rt.QueueThresholdLocalLLM, 0},
		{"QUEUE_THRESHOLD_AGENT_PRIORITY", &rt.QueueThresholdAgentPriority, 0},
		{"QUEUE_THRESHOLD_AGENT_DEFAULT", &rt.QueueThresholdAgentDefault, 0},
		{"QUEUE_THRESHOLD_TOOLS_IO", &rt.QueueThresholdToolsIO, 0},
		{"LOCKDOWN_READYZ_FAIL_THRESHOLD", &rt.LockdownReadyzFailThreshold, 1},
		{"LOCKDOWN_EXEC_HOST_FAIL_THRESHOLD", &rt.LockdownExecHostFailThreshold, 1},
		{"EVENT_RETENTION_DAYS", &rt.EventRetentionDays, 0},
	}
	for _, iv := range intVars {
		raw := os.Getenv(iv.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < iv.min {
			if strict {
				return Runtime{}, fmt.Errorf("config: %s=%q is not a valid integer >= %d", iv.key, raw, iv.min)
			}
			continue
		}
		*iv.dst = v
	}

	if raw := os.Getenv("TASK_RUNNER_SHUTDOWN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			rt.TaskRunnerShutdownTimeout = time.Duration(v) * time.Second
		} else if strict {
			return Runtime{}, fmt.Errorf("config: TASK_RUNNER_SHUTDOWN_TIMEOUT_SECONDS=%q is not a valid duration", raw)
		}
	}
	if raw := os.Getenv("APPROVAL_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			rt.ApprovalTTL = time.Duration(v) * time.Minute
		} else if strict {
			return Runtime{}, fmt.Errorf("config: APPROVAL_TTL_MINUTES=%q is not a valid positive integer", raw)
		}
	}

	if raw := os.Getenv("MEMORY_SECRET_SCAN_ENABLED"); raw != "" {
		switch strings.ToLower(raw) {
		case "1", "true", "yes", "on":
			rt.MemorySecretScanEnabled = true
		case "0", "false", "no", "off":
			rt.MemorySecretScanEnabled = false
		default:
			if strict {
				return Runtime{}, fmt.Errorf("config: MEMORY_SECRET_SCAN_ENABLED=%q is not a boolean", raw)
			}
		}
	}
	if raw := os.Getenv("MEMORY_PII_REDACT_MODE"); raw != "" {
		mode := strings.ToLower(strings.TrimSpace(raw))
		switch mode {
		case "off", "mask", "deny":
			rt.MemoryPIIRedactMode = mode
		default:
			if strict {
				return Runtime{}, fmt.Errorf("config: MEMORY_PII_REDACT_MODE=%q must be off, mask, or deny", raw)
			}
		}
	}

	if err := rt.validate(strict); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

func (rt Runtime) validate(strict bool) error {
	if rt.Env != "dev" && rt.Env != "prod" {
		if strict {
			return fmt.Errorf("config: APP_ENV=%q must be dev or prod", rt.Env)
		}
	}
	if strict && rt.DBPath == "" {
		return fmt.Errorf("config: APP_DB must be set in prod")
	}
	return nil
}
