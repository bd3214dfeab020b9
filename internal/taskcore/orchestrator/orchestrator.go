// Package orchestrator implements the per-user task graph state machine:
// registration, dependency analysis, cascade failure, and client-chain
// detection. Ported from
// original_source/server/app/core/orchestrator.py's TaskOrchestrator, with
// the per-user asyncio.Lock map replaced by the teacher's refcounted
// per-key sync.Mutex idiom (internal/agent/tool_registry.go's sessionLock).
package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meridianai/taskcore/internal/taskcore"
)

// Registry is the subset of registry.Registry the orchestrator needs at
// registration time: whether a tool name exists. Declared as an interface
// here so orchestrator has no import dependency on the registry package's
// concrete type.
type Registry interface {
	Has(name string) bool
}

// Orchestrator owns every TaskRecord exclusively; the engine reads via this
// API and holds no independent copies, per invariant 7 in spec.md §3.
type Orchestrator struct {
	registry Registry
	logger   *slog.Logger

	mu      sync.Mutex // guards states and locks maps themselves
	states  map[string]*taskcore.ExecutionState
	locks   map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Orchestrator backed by the given tool registry. If logger
// is nil, slog.Default() is used.
func New(registry Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		logger:   logger,
		states:   make(map[string]*taskcore.ExecutionState),
		locks:    make(map[string]*userLock),
	}
}

// withUserLock runs fn while holding the per-user mutex, creating it
// lazily and releasing the map slot when no longer referenced — the same
// refcounted lazy-lock pattern as the teacher's sessionLock.
func (o *Orchestrator) withUserLock(userID string, fn func()) {
	o.mu.Lock()
	lock, ok := o.locks[userID]
	if !ok {
		lock = &userLock{}
		o.locks[userID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	fn()
	lock.mu.Unlock()

	o.mu.Lock()
	lock.refs--
	if lock.refs <= 0 {
		delete(o.locks, userID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stateFor(userID string, create bool) *taskcore.ExecutionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[userID]
	if !ok && create {
		state = &taskcore.ExecutionState{
			UserID:    userID,
			Tasks:     make(map[string]*taskcore.TaskRecord),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		o.states[userID] = state
	}
	return state
}

// RegisterTasks registers a list of tasks for a user. Invalid tasks
// (unknown tool, or a dependency that resolves neither within the plan nor
// to a task already held for the user) are stored as already-failed
// records rather than rejecting the whole plan; all others start pending.
// Re-registration for a user that still holds state is additive (Open
// Question resolved in SPEC_FULL.md §9): it never mutates existing
// records, and a task whose ID is already held for the user is skipped.
func (o *Orchestrator) RegisterTasks(userID string, tasks []taskcore.Task) {
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, true)

		seen := make(map[string]bool, len(state.Tasks)+len(tasks))
		for id := range state.Tasks {
			seen[id] = true
		}
		for _, t := range tasks {
			seen[t.TaskID] = true
		}

		for _, t := range tasks {
			if _, exists := state.Tasks[t.TaskID]; exists {
				o.logger.Warn("ignoring re-registration of existing task", "user_id", userID, "task_id", t.TaskID)
				continue
			}
			rec := &taskcore.TaskRecord{Task: t, Status: taskcore.StatusPending}

			if o.registry != nil && !o.registry.Has(t.Tool) {
				rec.Status = taskcore.StatusFailed
				rec.Error = "tool " + t.Tool + " not found in registry"
				rec.CompletedAt = time.Now()
			} else if badDep := firstUnresolvedDep(t.DependsOn, seen); badDep != "" {
				rec.Status = taskcore.StatusFailed
				rec.Error = "dependency " + badDep + " does not resolve to a registered task"
				rec.CompletedAt = time.Now()
			}

			state.Tasks[t.TaskID] = rec
			state.Order = append(state.Order, t.TaskID)
			o.logger.Info("task registered", "user_id", userID, "task_id", t.TaskID, "tool", t.Tool, "target", string(t.ExecutionTarget), "status", string(rec.Status))
		}
		state.UpdatedAt = time.Now()
	})
}

func firstUnresolvedDep(deps []string, known map[string]bool) string {
	for _, d := range deps {
		if !known[d] {
			return d
		}
	}
	return ""
}

// GetExecutableBatch returns pending tasks whose dependencies are all
// completed. Server tasks are returned individually, in registration
// order. Client tasks are grouped into contiguous dependency chains via
// the greedy chain-detection algorithm from
// original_source/server/app/core/orchestrator.py's
// _get_client_chain_from_task. Never raises.
func (o *Orchestrator) GetExecutableBatch(userID string) taskcore.TaskBatch {
	var batch taskcore.TaskBatch
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}

		pending := pendingInOrder(state)
		processed := make(map[string]bool, len(pending))

		for _, t := range pending {
			if processed[t.TaskID] {
				continue
			}
			if !dependenciesMet(state, t) {
				continue
			}

			switch t.ExecutionTarget {
			case taskcore.TargetServer:
				batch.ServerTasks = append(batch.ServerTasks, t.Clone())
				processed[t.TaskID] = true
			case taskcore.TargetClient:
				chain := clientChainFrom(state, t, pending)
				for _, c := range chain {
					batch.ClientTasks = append(batch.ClientTasks, c.Clone())
					processed[c.TaskID] = true
				}
			}
		}

		if len(batch.ClientTasks) > 1 {
			ids := make([]string, len(batch.ClientTasks))
			for i, t := range batch.ClientTasks {
				ids[i] = t.TaskID
			}
			o.logger.Info("client chain detected", "user_id", userID, "chain", ids)
		}
	})
	return batch
}

func pendingInOrder(state *taskcore.ExecutionState) []*taskcore.TaskRecord {
	out := make([]*taskcore.TaskRecord, 0, len(state.Order))
	for _, id := range state.Order {
		t := state.Tasks[id]
		if t != nil && t.Status == taskcore.StatusPending {
			out = append(out, t)
		}
	}
	return out
}

func dependenciesMet(state *taskcore.ExecutionState, t *taskcore.TaskRecord) bool {
	for _, dep := range t.DependsOn {
		ref, ok := state.Tasks[dep]
		if !ok || ref.Status != taskcore.StatusCompleted {
			return false
		}
	}
	return true
}

// clientChainFrom greedily extends a chain starting at start by repeatedly
// finding another pending client task that depends on the chain's current
// last task and whose every dependency is either already completed or
// present earlier in the chain. It never reconsiders
// a task already in the chain, guaranteeing termination.
func clientChainFrom(state *taskcore.ExecutionState, start *taskcore.TaskRecord, pending []*taskcore.TaskRecord) []*taskcore.TaskRecord {
	chain := []*taskcore.TaskRecord{start}
	inChain := map[string]bool{start.TaskID: true}

	for {
		advanced := false
		for _, candidate := range pending {
			if inChain[candidate.TaskID] || candidate.ExecutionTarget != taskcore.TargetClient {
				continue
			}
			if !dependsOnCurrentChainTail(candidate, chain[len(chain)-1].TaskID) {
				continue
			}
			if !allDepsSatisfied(state, candidate, inChain) {
				continue
			}
			chain = append(chain, candidate)
			inChain[candidate.TaskID] = true
			advanced = true
			break
		}
		if !advanced {
			break
		}
	}
	return chain
}

func dependsOnCurrentChainTail(candidate *taskcore.TaskRecord, tailID string) bool {
	for _, d := range candidate.DependsOn {
		if d == tailID {
			return true
		}
	}
	return false
}

func allDepsSatisfied(state *taskcore.ExecutionState, candidate *taskcore.TaskRecord, inChain map[string]bool) bool {
	for _, dep := range candidate.DependsOn {
		if inChain[dep] {
			continue
		}
		ref, ok := state.Tasks[dep]
		if !ok || ref.Status != taskcore.StatusCompleted {
			return false
		}
	}
	return true
}

// MarkTaskRunning transitions a task to running, recording StartedAt.
// Illegal transitions (not currently pending) are ignored with a warning.
func (o *Orchestrator) MarkTaskRunning(userID, taskID string) {
	o.withUserLock(userID, func() {
		o.markRunningLocked(userID, taskID)
	})
}

func (o *Orchestrator) markRunningLocked(userID, taskID string) {
	state := o.stateFor(userID, false)
	if state == nil {
		return
	}
	t, ok := state.Tasks[taskID]
	if !ok || t.Status != taskcore.StatusPending {
		o.logger.Warn("ignoring illegal transition to running", "user_id", userID, "task_id", taskID)
		return
	}
	t.Status = taskcore.StatusRunning
	t.StartedAt = time.Now()
	state.UpdatedAt = time.Now()
	o.logger.Info("task running", "user_id", userID, "task_id", taskID)
}

// MarkTaskEmitted transitions a pending client task to emitted, stamping
// both EmittedAt and StartedAt. The engine calls it for every client task
// it hands to a ClientDispatcher, before dispatch, whether the dispatcher
// then answers synchronously or later through HandleClientAck; client
// tasks never pass through running.
func (o *Orchestrator) MarkTaskEmitted(userID, taskID string) {
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}
		t, ok := state.Tasks[taskID]
		if !ok || t.Status != taskcore.StatusPending {
			o.logger.Warn("ignoring illegal transition to emitted", "user_id", userID, "task_id", taskID)
			return
		}
		now := time.Now()
		t.Status = taskcore.StatusEmitted
		t.EmittedAt = now
		t.StartedAt = now
		state.UpdatedAt = now
		o.logger.Info("task emitted", "user_id", userID, "task_id", taskID)
	})
}

// MarkTaskCompleted transitions a task to completed, stores its output,
// stamps CompletedAt, and computes DurationMS.
func (o *Orchestrator) MarkTaskCompleted(userID, taskID string, output taskcore.TaskOutput) {
	o.withUserLock(userID, func() {
		o.markCompletedLocked(userID, taskID, output)
	})
}

func (o *Orchestrator) markCompletedLocked(userID, taskID string, output taskcore.TaskOutput) {
	state := o.stateFor(userID, false)
	if state == nil {
		return
	}
	t, ok := state.Tasks[taskID]
	if !ok || (t.Status != taskcore.StatusRunning && t.Status != taskcore.StatusEmitted) {
		o.logger.Warn("ignoring illegal transition to completed", "user_id", userID, "task_id", taskID)
		return
	}
	out := output
	t.Status = taskcore.StatusCompleted
	t.Output = &out
	t.CompletedAt = time.Now()
	if !t.StartedAt.IsZero() {
		t.DurationMS = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	}
	state.UpdatedAt = time.Now()
	o.logger.Info("task completed", "user_id", userID, "task_id", taskID, "duration_ms", t.DurationMS)
}

// MarkTaskFailed transitions a task to failed and cascades failure to
// every transitive pending dependent, atomically with respect to any
// concurrent GetExecutableBatch call (both hold the per-user lock).
func (o *Orchestrator) MarkTaskFailed(userID, taskID, errMsg string) {
	o.withUserLock(userID, func() {
		o.markFailedLocked(userID, taskID, errMsg)
	})
}

func (o *Orchestrator) markFailedLocked(userID, taskID, errMsg string) {
	state := o.stateFor(userID, false)
	if state == nil {
		return
	}
	t, ok := state.Tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		o.logger.Warn("ignoring illegal transition to failed", "user_id", userID, "task_id", taskID)
		return
	}
	t.Status = taskcore.StatusFailed
	t.Error = errMsg
	t.CompletedAt = time.Now()
	if !t.StartedAt.IsZero() {
		t.DurationMS = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	}
	state.UpdatedAt = time.Now()
	o.logger.Error("task failed", "user_id", userID, "task_id", taskID, "error", errMsg)

	o.cascadeFailure(state, taskID)
}

// cascadeFailure marks every pending task depending (directly or
// transitively) on failedID as failed, with an error message naming the
// failed ancestor. It recurses on each newly-failed task so a diamond
// dependency is not visited twice in a way that loses termination.
func (o *Orchestrator) cascadeFailure(state *taskcore.ExecutionState, failedID string) {
	for _, id := range state.Order {
		t := state.Tasks[id]
		if t == nil || t.Status != taskcore.StatusPending {
			continue
		}
		dependsOnFailed := false
		for _, dep := range t.DependsOn {
			if dep == failedID {
				dependsOnFailed = true
				break
			}
		}
		if !dependsOnFailed {
			continue
		}
		t.Status = taskcore.StatusFailed
		t.Error = taskcore.CascadeMessage(failedID)
		t.CompletedAt = time.Now()
		o.logger.Warn("cascade failure", "user_id", state.UserID, "task_id", t.TaskID, "ancestor", failedID)
		o.cascadeFailure(state, t.TaskID)
	}
}

// HandleClientAck resolves a client acknowledgment to completion or
// failure based on output.Success. It acquires the per-user lock itself
// (Open Question resolved in SPEC_FULL.md §9: route every mutation through
// the single lock owner rather than special-case a lock-free ack path).
func (o *Orchestrator) HandleClientAck(userID, taskID string, output taskcore.TaskOutput) {
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}
		t, ok := state.Tasks[taskID]
		if !ok {
			return
		}
		t.AckReceivedAt = time.Now()
		if output.Success {
			o.markCompletedLocked(userID, taskID, output)
		} else {
			errMsg := output.Error
			if errMsg == "" {
				errMsg = "client execution failed"
			}
			o.markFailedLocked(userID, taskID, errMsg)
		}
	})
}

// GetState returns a read-only snapshot of a user's execution state, or nil
// if none exists. Callers must not mutate the returned value.
func (o *Orchestrator) GetState(userID string) *taskcore.ExecutionState {
	var snapshot *taskcore.ExecutionState
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}
		clone := &taskcore.ExecutionState{
			UserID:    state.UserID,
			Tasks:     make(map[string]*taskcore.TaskRecord, len(state.Tasks)),
			Order:     append([]string(nil), state.Order...),
			CreatedAt: state.CreatedAt,
			UpdatedAt: state.UpdatedAt,
		}
		for id, t := range state.Tasks {
			clone.Tasks[id] = t.Clone()
		}
		snapshot = clone
	})
	return snapshot
}

// GetTask returns a snapshot of one task, and whether it exists.
func (o *Orchestrator) GetTask(userID, taskID string) (*taskcore.TaskRecord, bool) {
	var rec *taskcore.TaskRecord
	var ok bool
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}
		t, found := state.Tasks[taskID]
		if !found {
			return
		}
		rec, ok = t.Clone(), true
	})
	return rec, ok
}

// GetTasksByStatus returns snapshots of every task with the given status,
// in registration order.
func (o *Orchestrator) GetTasksByStatus(userID string, status taskcore.Status) []*taskcore.TaskRecord {
	var out []*taskcore.TaskRecord
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}
		for _, id := range state.Order {
			t := state.Tasks[id]
			if t != nil && t.Status == status {
				out = append(out, t.Clone())
			}
		}
	})
	return out
}

// GetExecutionSummary counts tasks by status for a user, covering every
// status value (SPEC_FULL.md §7).
func (o *Orchestrator) GetExecutionSummary(userID string) taskcore.ExecutionSummary {
	var summary taskcore.ExecutionSummary
	o.withUserLock(userID, func() {
		state := o.stateFor(userID, false)
		if state == nil {
			return
		}
		summary.Total = len(state.Tasks)
		for _, t := range state.Tasks {
			switch t.Status {
			case taskcore.StatusPending:
				summary.Pending++
			case taskcore.StatusRunning:
				summary.Running++
			case taskcore.StatusEmitted:
				summary.Emitted++
			case taskcore.StatusCompleted:
				summary.Completed++
			case taskcore.StatusFailed:
				summary.Failed++
			}
		}
	})
	return summary
}

// CleanupUserState discards a user's state and releases its lock slot.
// This is the only path that purges completed records; re-registration
// never does (SPEC_FULL.md §9 Open Question 1).
func (o *Orchestrator) CleanupUserState(userID string) {
	o.mu.Lock()
	delete(o.states, userID)
	delete(o.locks, userID)
	o.mu.Unlock()
	o.logger.Info("user state cleaned up", "user_id", userID)
}
