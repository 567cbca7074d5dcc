// Package scheduler implements the idempotent cron evaluator for
// user-defined schedules and the bridge that turns a due dispatch into an
// isolated agent step. It is distinct from internal/cron's fixed internal
// maintenance ticker.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// fieldParser covers the five standard fields: minute, hour, day-of-month,
// month, day-of-week (0-6, 0=Sunday), each supporting *, lists, ranges, and
// steps.
var fieldParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// everyPrefix is the non-standard "@every:<N>" cron_expr form: fire every N
// seconds since last_run_at.
const everyPrefix = "@every:"

// parsedSchedule is either a robfig/cron/v3 5-field expression or a fixed
// every-N-seconds interval.
type parsedSchedule struct {
	every    time.Duration // zero unless this is an @every schedule
	cronSked cronlib.Schedule
}

func parseCronExpr(expr string) (parsedSchedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, everyPrefix) {
		n, err := strconv.Atoi(strings.TrimPrefix(expr, everyPrefix))
		if err != nil || n <= 0 {
			return parsedSchedule{}, fmt.Errorf("invalid @every expression %q: %w", expr, err)
		}
		return parsedSchedule{every: time.Duration(n) * time.Second}, nil
	}
	sched, err := fieldParser.Parse(expr)
	if err != nil {
		return parsedSchedule{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return parsedSchedule{cronSked: sched}, nil
}

// slotsBetween enumerates every fire time in (since, until] for the given
// expression, in ascending order. For 5-field cron this walks minute-slot
// boundaries via the underlying library's Next(); for @every it walks fixed
// N-second increments.
func (p parsedSchedule) slotsBetween(since, until time.Time) []time.Time {
	var slots []time.Time
	if p.every > 0 {
		// A slot exactly at `until` has not elapsed yet; it fires on the
		// next tick. Stepping from the previous slot, never from
		// wall-clock now, keeps the series drift-free.
		next := since.Add(p.every)
		for next.Before(until) {
			slots = append(slots, next)
			next = next.Add(p.every)
		}
		return slots
	}
	if p.cronSked == nil {
		return nil
	}
	cursor := since
	for {
		next := p.cronSked.Next(cursor)
		if next.IsZero() || next.After(until) {
			break
		}
		slots = append(slots, next)
		cursor = next
	}
	return slots
}
