package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meridianai/taskcore/internal/taskcore"
	"github.com/meridianai/taskcore/internal/taskcore/engine"
	"github.com/meridianai/taskcore/internal/taskcore/orchestrator"
)

// PlanExecutor adapts the Scheduler's Executor contract to the task
// orchestration core: where the teacher's AgentExecutor sent a scheduled
// task's prompt into the agent runtime, PlanExecutor instead resubmits a
// task graph into an Orchestrator/Engine pair and waits for it to drain,
// per SPEC_FULL.md §7's supplemented scheduled re-submission feature.
//
// A scheduled task carries its graph as JSON in
// task.Metadata["task_graph"] — a []taskcore.Task document produced by
// whatever upstream planner authored the schedule. task.Prompt is not
// read; a task with no graph fails with an error.
type PlanExecutor struct {
	orch    *orchestrator.Orchestrator
	engine  *engine.Engine
	logger  *slog.Logger
	timeout time.Duration
}

// NewPlanExecutor builds a PlanExecutor driving the given orchestrator and
// engine. timeout bounds how long Execute waits for a submitted graph to
// finish; zero means DefaultTaskConfig's 5 minute default.
func NewPlanExecutor(orch *orchestrator.Orchestrator, eng *engine.Engine, timeout time.Duration, logger *slog.Logger) *PlanExecutor {
	if logger == nil {
		logger = slog.Default().With("component", "plan-executor")
	}
	if timeout <= 0 {
		timeout = DefaultTaskConfig().Timeout
	}
	return &PlanExecutor{orch: orch, engine: eng, logger: logger, timeout: timeout}
}

// Execute registers task's graph under a per-execution user ID derived
// from exec.ID (so concurrent scheduled runs never share orchestrator
// state), drives it to completion, and returns a summary string listing
// each task's final status and error. An error is returned for
// configuration problems (nil task or execution, malformed graph, no graph
// at all) and when the graph does not finish within the timeout; individual
// task failures are reported in the summary, matching the graph's own
// failed/cascaded bookkeeping rather than surfacing as a Go error.
func (e *PlanExecutor) Execute(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (string, error) {
	if task == nil {
		return "", fmt.Errorf("task is required")
	}
	if exec == nil {
		return "", fmt.Errorf("execution is required")
	}

	graph, err := graphFromMetadata(task.Metadata)
	if err != nil {
		return "", fmt.Errorf("scheduled task %q: %w", task.ID, err)
	}
	if len(graph) == 0 {
		return "", fmt.Errorf("scheduled task %q carries no task_graph", task.ID)
	}

	userID := "scheduled:" + exec.ID
	defer e.orch.CleanupUserState(userID)

	e.logger.Info("submitting scheduled task graph", "task_id", task.ID, "execution_id", exec.ID, "task_count", len(graph))

	e.orch.RegisterTasks(userID, graph)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := e.engine.Start(runCtx, userID)
	select {
	case <-done:
	case <-runCtx.Done():
		return "", fmt.Errorf("scheduled task %q: graph did not finish within %s", task.ID, e.timeout)
	}

	return summarize(e.orch.GetState(userID)), nil
}

// NewScheduledPlan builds a ScheduledTask whose Metadata carries graph,
// ready for a Scheduler backed by PlanExecutor to resubmit on every run.
// planID groups this schedule back to whatever authored graph (a saved
// routine, a recurring report, etc.); label is shown in logs and used as
// the execution's Prompt.
func NewScheduledPlan(id, planID, name, label, schedule string, graph []taskcore.Task, cfg TaskConfig) (*ScheduledTask, error) {
	if len(graph) == 0 {
		return nil, fmt.Errorf("scheduled plan %q: task graph must not be empty", id)
	}
	now := time.Now()
	return &ScheduledTask{
		ID:        id,
		PlanID:    planID,
		Name:      name,
		Prompt:    label,
		Schedule:  schedule,
		Config:    cfg,
		Status:    TaskStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{"task_graph": graph},
	}, nil
}

func graphFromMetadata(metadata map[string]any) ([]taskcore.Task, error) {
	raw, ok := metadata["task_graph"]
	if !ok {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal task_graph: %w", err)
	}
	var graph []taskcore.Task
	if err := json.Unmarshal(b, &graph); err != nil {
		return nil, fmt.Errorf("decode task_graph: %w", err)
	}
	return graph, nil
}

func summarize(state *taskcore.ExecutionState) string {
	if state == nil {
		return "no execution state recorded"
	}
	var b strings.Builder
	for _, id := range state.Order {
		rec := state.Tasks[id]
		fmt.Fprintf(&b, "%s: %s", id, rec.Status)
		if rec.Status == taskcore.StatusFailed {
			fmt.Fprintf(&b, " (%s)", rec.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
