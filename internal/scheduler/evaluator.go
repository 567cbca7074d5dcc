package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/persistence"
)

// DueDispatch is one successfully-claimed (schedule, due_at) slot.
type DueDispatch struct {
	Schedule persistence.Schedule
	DueAt    time.Time
	TaskID   string
}

// ScheduleReport is the result of one evaluator tick across every enabled
// schedule.
type ScheduleReport struct {
	Due      []DueDispatch
	Deferred map[string]int // schedule_id -> slots deferred past max_catchup
	Errors   map[string]error
}

// DispatchFunc turns a due schedule into a running task (isolated thread
// creation plus an enqueued agent_step). Each call
// happens inside the same evaluation pass that claims the slot, so a losing
// race produces at most one orphaned task, never an uncounted dispatch.
type DispatchFunc func(ctx context.Context, sched persistence.Schedule, dueAt time.Time) (taskID string, err error)

// Evaluator computes and claims due schedule slots, dispatching each via
// Dispatch (defaulting to a generic task on the schedule's own session if
// unset) and emitting schedule.catchup / schedule.error events.
type Evaluator struct {
	store             *persistence.Store
	events            *eventlog.Log
	logger            *slog.Logger
	defaultMaxCatchup int
	Dispatch          DispatchFunc
}

func NewEvaluator(store *persistence.Store, events *eventlog.Log, logger *slog.Logger, defaultMaxCatchup int) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMaxCatchup <= 0 {
		defaultMaxCatchup = 1
	}
	return &Evaluator{store: store, events: events, logger: logger, defaultMaxCatchup: defaultMaxCatchup}
}

// FetchDueSchedulesReport evaluates every enabled schedule in one tick: for
// every enabled schedule, compute the ordered minute-slot timestamps in
// (last_run_at, now], claim up to effective_max_catchup of them via the
// (schedule_id, due_at) unique key, and count the rest as deferred.
func (e *Evaluator) FetchDueSchedulesReport(ctx context.Context, now time.Time) (ScheduleReport, error) {
	if now.IsZero() {
		now = time.Now()
	}
	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		return ScheduleReport{}, fmt.Errorf("list enabled schedules: %w", err)
	}

	report := ScheduleReport{
		Deferred: map[string]int{},
		Errors:   map[string]error{},
	}

	for _, sched := range schedules {
		dispatchedBefore := len(report.Due)
		err := e.evaluateOne(ctx, sched, now, &report)
		dispatched := len(report.Due) - dispatchedBefore
		if err != nil {
			report.Errors[sched.ID] = err
			e.logger.Error("schedule evaluation failed", "schedule_id", sched.ID, "error", err)
			e.emit(ctx, "schedule.error", sched.ID, map[string]any{"error": err.Error()})
			continue
		}
		if dispatched > 0 || report.Deferred[sched.ID] > 0 {
			e.emit(ctx, "schedule.catchup", sched.ID, map[string]any{
				"dispatched": dispatched,
				"deferred":   report.Deferred[sched.ID],
			})
		}
	}
	return report, nil
}

func (e *Evaluator) emit(ctx context.Context, eventType, scheduleID string, payload map[string]any) {
	if e.events == nil {
		return
	}
	payload["schedule_id"] = scheduleID
	_, _ = e.events.Emit(ctx, eventlog.EventInput{
		TraceID:   ids.NewTrace(),
		SpanID:    ids.NewSpan(),
		EventType: eventType,
		ActorID:   "scheduler",
		Payload:   payload,
	})
}

func (e *Evaluator) evaluateOne(ctx context.Context, sched persistence.Schedule, now time.Time, report *ScheduleReport) error {
	parsed, err := parseCronExpr(sched.CronExpr)
	if err != nil {
		return err
	}

	since := now.Add(-1)
	if sched.LastRunAt != nil {
		since = *sched.LastRunAt
	}
	slots := parsed.slotsBetween(since, now)
	if len(slots) == 0 {
		return nil
	}

	maxCatchup, err := e.store.MaxCatchup(ctx, sched.ID, e.defaultMaxCatchup)
	if err != nil {
		maxCatchup = e.defaultMaxCatchup
	}
	if maxCatchup < 1 {
		maxCatchup = 1
	}

	// A backlog drains oldest-first: emit the earliest max_catchup slots and
	// leave last_run_at at the end of that batch, so the deferred remainder
	// regenerates on the next tick instead of being skipped forever.
	emit := slots
	deferred := 0
	if len(slots) > maxCatchup {
		deferred = len(slots) - maxCatchup
		emit = slots[:maxCatchup]
	}
	if deferred > 0 {
		report.Deferred[sched.ID] = deferred
	}

	var lastDispatched time.Time
	for _, slot := range emit {
		// Claim the slot before creating any task: the unique key on
		// (schedule_id, due_at) is the only durable idempotency witness,
		// and a task enqueued before a lost claim would run anyway.
		err := e.store.InsertScheduleDispatch(ctx, sched.ID, slot, "")
		if errors.Is(err, persistence.ErrSlotAlreadyClaimed) {
			// Another tick won the race for this slot: skip silently, this
			// is the idempotency guarantee, not a failure. Still advance
			// past the slot so the next tick does not re-fight it.
			lastDispatched = slot
			continue
		}
		if err != nil {
			return fmt.Errorf("claim slot %s: %w", slot, err)
		}
		var taskID string
		if e.Dispatch != nil {
			taskID, err = e.Dispatch(ctx, sched, slot)
		} else {
			taskID, err = e.store.CreateTask(ctx, sched.SessionID, sched.Payload)
		}
		if err != nil {
			// The claim stands; the slot is spent. Losing one dispatch is
			// preferable to double-running it after a retry.
			lastDispatched = slot
			return fmt.Errorf("dispatch slot %s: %w", slot, err)
		}
		if err := e.store.UpdateDispatchTaskID(ctx, sched.ID, slot, taskID); err != nil {
			e.logger.Warn("record dispatch task id failed", "schedule_id", sched.ID, "error", err)
		}
		report.Due = append(report.Due, DueDispatch{Schedule: sched, DueAt: slot, TaskID: taskID})
		lastDispatched = slot
	}

	// Advance only to the last emitted slot, never to the newest known one:
	// anything past lastDispatched is still owed.
	if !lastDispatched.IsZero() {
		if err := e.store.UpdateScheduleLastRun(ctx, sched.ID, lastDispatched); err != nil {
			return fmt.Errorf("update last_run_at: %w", err)
		}
	}
	return nil
}
