package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/substrate/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "substrate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSchedule(t *testing.T, store *persistence.Store, cronExpr string, lastRun time.Time, maxCatchup int) persistence.Schedule {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureSession(ctx, "11111111-1111-1111-1111-111111111111"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	sched := persistence.Schedule{
		Name:      "test-schedule",
		CronExpr:  cronExpr,
		Payload:   `{"kind":"noop"}`,
		SessionID: "11111111-1111-1111-1111-111111111111",
		Enabled:   true,
	}
	if err := store.InsertSchedule(ctx, sched); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	schedules, err := store.ListEnabledSchedules(ctx)
	if err != nil || len(schedules) == 0 {
		t.Fatalf("list schedules: %v", err)
	}
	got := schedules[len(schedules)-1]
	if !lastRun.IsZero() {
		if err := store.UpdateScheduleLastRun(ctx, got.ID, lastRun); err != nil {
			t.Fatalf("set last run: %v", err)
		}
	}
	if maxCatchup > 0 {
		if err := store.UpdateScheduleMaxCatchup(ctx, got.ID, maxCatchup); err != nil {
			t.Fatalf("set max catchup: %v", err)
		}
	}
	return got
}

// countingDispatch records every (schedule, due_at) the evaluator hands it.
func countingDispatch() (DispatchFunc, *[]time.Time) {
	var calls []time.Time
	fn := func(ctx context.Context, sched persistence.Schedule, dueAt time.Time) (string, error) {
		calls = append(calls, dueAt)
		return fmt.Sprintf("task-%d", len(calls)), nil
	}
	return fn, &calls
}

func TestEvaluator_CatchupIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := seedSchedule(t, store, "@every:60", now.Add(-180*time.Second), 2)

	eval := NewEvaluator(store, nil, nil, 1)
	dispatch, calls := countingDispatch()
	eval.Dispatch = dispatch

	report, err := eval.FetchDueSchedulesReport(ctx, now)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if len(report.Due) != 2 {
		t.Fatalf("first tick dispatched %d slots, want 2: %+v", len(report.Due), report.Due)
	}
	wantSlots := []time.Time{now.Add(-120 * time.Second), now.Add(-60 * time.Second)}
	for i, d := range report.Due {
		if !d.DueAt.Equal(wantSlots[i]) {
			t.Errorf("due[%d] = %v, want %v", i, d.DueAt, wantSlots[i])
		}
	}

	// Second tick at the same instant must be a no-op.
	report2, err := eval.FetchDueSchedulesReport(ctx, now)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if len(report2.Due) != 0 {
		t.Fatalf("second tick dispatched %d slots, want 0", len(report2.Due))
	}
	if len(*calls) != 2 {
		t.Fatalf("dispatch called %d times, want 2", len(*calls))
	}

	n, err := store.CountScheduleDispatches(ctx, sched.ID)
	if err != nil {
		t.Fatalf("count dispatches: %v", err)
	}
	if n != 2 {
		t.Fatalf("schedule_dispatches has %d rows, want 2", n)
	}

	schedules, _ := store.ListEnabledSchedules(ctx)
	last := schedules[len(schedules)-1].LastRunAt
	if last == nil || !last.Equal(now.Add(-60*time.Second)) {
		t.Fatalf("last_run_at = %v, want %v", last, now.Add(-60*time.Second))
	}
}

func TestEvaluator_MaxCatchupOneDispatchesAtMostOne(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedSchedule(t, store, "@every:60", now.Add(-10*time.Minute), 1)

	eval := NewEvaluator(store, nil, nil, 1)
	dispatch, _ := countingDispatch()
	eval.Dispatch = dispatch

	report, err := eval.FetchDueSchedulesReport(ctx, now)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Due) != 1 {
		t.Fatalf("dispatched %d slots, want 1", len(report.Due))
	}
	// Nine slots were due; the backlog drains oldest-first, so the one
	// emitted is the earliest and the other eight stay owed.
	if !report.Due[0].DueAt.Equal(now.Add(-9 * time.Minute)) {
		t.Fatalf("dispatched slot %v, want the earliest due slot", report.Due[0].DueAt)
	}
	for _, deferred := range report.Deferred {
		if deferred != 8 {
			t.Fatalf("deferred = %d, want 8", deferred)
		}
	}

	// Deferred means catchable later: the next tick picks up where the
	// first left off instead of skipping the backlog.
	report2, err := eval.FetchDueSchedulesReport(ctx, now)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if len(report2.Due) != 1 {
		t.Fatalf("second tick dispatched %d slots, want 1", len(report2.Due))
	}
	if !report2.Due[0].DueAt.Equal(now.Add(-8 * time.Minute)) {
		t.Fatalf("second tick slot %v, want the next owed slot", report2.Due[0].DueAt)
	}
	for _, deferred := range report2.Deferred {
		if deferred != 7 {
			t.Fatalf("second tick deferred = %d, want 7", deferred)
		}
	}
}

func TestEvaluator_SlotClaimSurvivesConcurrentTicks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := seedSchedule(t, store, "@every:60", now.Add(-120*time.Second), 5)

	// Pre-claim one slot as if another tick got there first.
	if err := store.InsertScheduleDispatch(ctx, sched.ID, now.Add(-60*time.Second), "elsewhere"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	eval := NewEvaluator(store, nil, nil, 5)
	dispatch, calls := countingDispatch()
	eval.Dispatch = dispatch

	report, err := eval.FetchDueSchedulesReport(ctx, now)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("dispatch ran for a claimed slot: %v", *calls)
	}
	if len(report.Due) != 0 {
		t.Fatalf("claimed slot reported as due: %+v", report.Due)
	}
	n, _ := store.CountScheduleDispatches(ctx, sched.ID)
	if n != 1 {
		t.Fatalf("schedule_dispatches has %d rows, want 1", n)
	}
}

func TestEvaluator_DisabledSchedulesAreIgnored(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureSession(ctx, "22222222-2222-2222-2222-222222222222"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := store.InsertSchedule(ctx, persistence.Schedule{
		Name:      "off",
		CronExpr:  "@every:1",
		SessionID: "22222222-2222-2222-2222-222222222222",
		Enabled:   false,
	}); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}

	eval := NewEvaluator(store, nil, nil, 1)
	report, err := eval.FetchDueSchedulesReport(ctx, time.Now())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Due) != 0 {
		t.Fatalf("disabled schedule dispatched: %+v", report.Due)
	}
}
