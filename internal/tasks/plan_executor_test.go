package tasks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/meridianai/taskcore/internal/taskcore"
	"github.com/meridianai/taskcore/internal/taskcore/engine"
	"github.com/meridianai/taskcore/internal/taskcore/orchestrator"
	"github.com/meridianai/taskcore/internal/taskcore/taskcoretest"
)

type alwaysKnownRegistry struct{}

func (alwaysKnownRegistry) Has(string) bool { return true }

// newPlanExecutorFixture wires a real Orchestrator/Engine pair backed by
// stub tools, exactly as a deployment would, so the Scheduler drives a
// genuine task graph rather than a mock Executor.
func newPlanExecutorFixture(t *testing.T) *PlanExecutor {
	t.Helper()
	tools := taskcore.NewToolSet()
	tools.Add(taskcoretest.Echo("echo"))
	tools.Add(taskcoretest.AlwaysFail("boom", "graph step failed"))

	orch := orchestrator.New(alwaysKnownRegistry{}, nil)
	eng := engine.New(orch, tools, nil, engine.Config{
		TickSleep: time.Millisecond,
		IdleSleep: time.Millisecond,
	}, nil)
	return NewPlanExecutor(orch, eng, 2*time.Second, nil)
}

// waitForTerminalExecution polls the store until exec reaches a terminal
// status or the deadline passes.
func waitForTerminalExecution(t *testing.T, store *MemStore, execID string, timeout time.Duration) *TaskExecution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, err := store.GetExecution(context.Background(), execID)
		if err == nil && exec.IsTerminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %q did not reach a terminal status within %s", execID, timeout)
	return nil
}

func TestScheduler_DrivesPlanExecutorEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	planExec := newPlanExecutorFixture(t)

	graph := []taskcore.Task{
		{TaskID: "fetch", Tool: "echo", ExecutionTarget: taskcore.TargetServer, Inputs: map[string]any{"city": "nyc"}},
		{
			TaskID:          "announce",
			Tool:            "echo",
			ExecutionTarget: taskcore.TargetServer,
			DependsOn:       []string{"fetch"},
			InputBindings:   map[string]string{"city_from_fetch": "$.fetch.data.city"},
		},
	}
	task, err := NewScheduledPlan("daily-report", "daily-report-plan", "Daily Report", "summarize the weather", "*/5 * * * *", graph, DefaultTaskConfig())
	if err != nil {
		t.Fatalf("NewScheduledPlan error: %v", err)
	}
	task.NextRunAt = time.Now().Add(-time.Minute)
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}

	sched := NewScheduler(store, planExec, SchedulerConfig{
		WorkerID:     "test-worker",
		LockDuration: 5 * time.Second,
	})

	sched.pollDueTasks(ctx)
	sched.tryAcquireExecution(ctx)

	execs, err := store.ListExecutions(ctx, task.ID, ListExecutionsOptions{})
	if err != nil || len(execs) != 1 {
		t.Fatalf("ListExecutions() = %v, %v, want exactly 1", execs, err)
	}

	exec := waitForTerminalExecution(t, store, execs[0].ID, time.Second)
	if exec.Status != ExecutionStatusSucceeded {
		t.Fatalf("execution status = %v, want succeeded (response: %s, error: %s)", exec.Status, exec.Response, exec.Error)
	}
	if !strings.Contains(exec.Response, "fetch: completed") || !strings.Contains(exec.Response, "announce: completed") {
		t.Errorf("response summary missing completed tasks: %q", exec.Response)
	}
}

func TestScheduler_DrivesPlanExecutorCascadeFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	planExec := newPlanExecutorFixture(t)

	graph := []taskcore.Task{
		{TaskID: "a", Tool: "boom", ExecutionTarget: taskcore.TargetServer},
		{TaskID: "b", Tool: "echo", ExecutionTarget: taskcore.TargetServer, DependsOn: []string{"a"}},
	}
	task, err := NewScheduledPlan("flaky-report", "flaky-report-plan", "Flaky Report", "will fail", "*/5 * * * *", graph, DefaultTaskConfig())
	if err != nil {
		t.Fatalf("NewScheduledPlan error: %v", err)
	}
	task.NextRunAt = time.Now().Add(-time.Minute)
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}

	sched := NewScheduler(store, planExec, SchedulerConfig{
		WorkerID:     "test-worker",
		LockDuration: 5 * time.Second,
	})

	sched.pollDueTasks(ctx)
	sched.tryAcquireExecution(ctx)

	execs, err := store.ListExecutions(ctx, task.ID, ListExecutionsOptions{})
	if err != nil || len(execs) != 1 {
		t.Fatalf("ListExecutions() = %v, %v, want exactly 1", execs, err)
	}

	// PlanExecutor.Execute reports a graph with failed/cascaded tasks as
	// a successful Scheduler execution (the graph ran to completion; the
	// failure is recorded inside its own summary), mirroring how
	// AgentExecutor never treated a tool error as a scheduler-level error.
	exec := waitForTerminalExecution(t, store, execs[0].ID, time.Second)
	if exec.Status != ExecutionStatusSucceeded {
		t.Fatalf("execution status = %v, want succeeded", exec.Status)
	}
	if !strings.Contains(exec.Response, "a: failed") {
		t.Errorf("response summary missing failed task: %q", exec.Response)
	}
	if !strings.Contains(exec.Response, "b: failed") {
		t.Errorf("response summary missing cascaded task: %q", exec.Response)
	}
}

func TestNewScheduledPlan_RejectsEmptyGraph(t *testing.T) {
	_, err := NewScheduledPlan("id", "plan", "name", "label", "*/5 * * * *", nil, DefaultTaskConfig())
	if err == nil {
		t.Error("expected error for empty task graph")
	}
}
