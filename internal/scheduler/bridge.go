package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/persistence"
)

// agentStepPayload is the task payload shape the task runner recognizes for
// orchestrator-driven turns (see internal/orchestrator's task processor).
type agentStepPayload struct {
	Kind     string `json:"kind"`
	TraceID  string `json:"trace_id"`
	ThreadID string `json:"thread_id"`
	ActorID  string `json:"actor_id"`
}

// NewAgentStepDispatcher builds the schedule-to-step bridge: for a due schedule, look up
// the owning user via the schedule's parent thread (stored in
// Schedule.SessionID — schedules are anchored to a thread, not a legacy
// session), create a new isolated thread for that user/channel, and enqueue
// an agent_step task against it.
func NewAgentStepDispatcher(store *persistence.Store) DispatchFunc {
	return func(ctx context.Context, sched persistence.Schedule, dueAt time.Time) (string, error) {
		parent, err := store.GetThread(ctx, sched.SessionID)
		if err != nil {
			return "", fmt.Errorf("lookup parent thread %s: %w", sched.SessionID, err)
		}
		newThread, err := store.CreateIsolatedThread(ctx, parent.UserID, parent.ChannelID)
		if err != nil {
			return "", fmt.Errorf("create isolated thread: %w", err)
		}

		payload := agentStepPayload{
			Kind:     "agent_step",
			TraceID:  ids.NewTrace(),
			ThreadID: newThread.ID,
			ActorID:  "main",
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode agent_step payload: %w", err)
		}
		taskID, err := store.CreateTask(ctx, newThread.ID, string(raw))
		if err != nil {
			return "", fmt.Errorf("enqueue agent_step task: %w", err)
		}
		return taskID, nil
	}
}
