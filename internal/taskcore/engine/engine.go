// Package engine implements the Execution Engine: the per-user loop that
// drives tasks from GetExecutableBatch through completion, dispatching
// server tasks concurrently and client tasks through a caller-supplied
// transport. Ported from
// original_source/server/app/core/execution_engine.py's ExecutionEngine,
// with the concurrency idiom (semaphore channel + sync.WaitGroup, per-call
// context.WithTimeout, non-blocking result collection) grounded on the
// teacher's internal/agent/tool_exec.go.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianai/taskcore/internal/taskcore"
	"github.com/meridianai/taskcore/internal/taskcore/binding"
)

const (
	// defaultMaxIterations bounds the execution loop the same way
	// execution_engine.py's max_iterations=100 does: a circuit breaker
	// against a registration bug that leaves tasks perpetually
	// unschedulable.
	defaultMaxIterations = 100
	// defaultMaxIdle matches the original's max_idle_iterations=5: consecutive
	// ticks producing no executable batch before the loop gives up.
	defaultMaxIdle = 5
	// defaultIdleSleep and defaultTickSleep mirror the original's 0.5s /
	// 0.3s pacing between iterations.
	defaultIdleSleep = 500 * time.Millisecond
	defaultTickSleep = 300 * time.Millisecond
	// defaultTaskTimeout bounds a single server task invocation when the
	// task itself declares no Control.TimeoutMS.
	defaultTaskTimeout = 30 * time.Second
	// defaultConcurrency caps simultaneous server task execution per batch.
	defaultConcurrency = 8
)

// ToolInvoker resolves a tool name to a callable Tool. Declared as an
// interface so engine is not tied to one tool source; *taskcore.ToolSet
// satisfies it.
type ToolInvoker interface {
	Get(name string) taskcore.Tool
}

// Orchestrator is the subset of orchestrator.Orchestrator the engine
// drives against.
type Orchestrator interface {
	GetTask(userID, taskID string) (*taskcore.TaskRecord, bool)
	GetExecutableBatch(userID string) taskcore.TaskBatch
	MarkTaskRunning(userID, taskID string)
	MarkTaskEmitted(userID, taskID string)
	MarkTaskCompleted(userID, taskID string, output taskcore.TaskOutput)
	MarkTaskFailed(userID, taskID, errMsg string)
	GetExecutionSummary(userID string) taskcore.ExecutionSummary
}

// userStateView presents one user's tasks as a binding.StateView.
type userStateView struct {
	orch   Orchestrator
	userID string
}

func (v userStateView) GetTask(taskID string) (*taskcore.TaskRecord, bool) {
	return v.orch.GetTask(v.userID, taskID)
}

// ClientDispatcher emits client tasks to wherever the user's client lives.
// Two shapes are supported, matching SPEC_FULL.md §4.4:
//   - Desktop (embedded transport): DispatchChain executes synchronously
//     and returns outputs directly, as if the "client" were local.
//   - Remote: DispatchChain sends the chain over a transport and returns
//     immediately; completion arrives later via the orchestrator's
//     HandleClientAck, invoked by the transport's own receive loop.
//
// Either way the engine only needs to know whether dispatch blocks for a
// result or not; DispatchChain's return value communicates that per call.
type ClientDispatcher interface {
	// DispatchChain sends a contiguous client task chain for execution.
	// If synchronous is true, results holds one TaskOutput per task (same
	// order as chain) and the engine marks them completed/failed
	// immediately. If false, results is nil and the engine only marks the
	// chain emitted, leaving completion to a later HandleClientAck.
	DispatchChain(ctx context.Context, userID string, chain []*taskcore.TaskRecord) (synchronous bool, results []taskcore.TaskOutput)
}

// Config tunes the execution loop. Normalize fills in defaults for any
// zero-valued field, matching the teacher's tasks.DefaultTaskConfig
// normalization idiom.
type Config struct {
	MaxIterations int
	MaxIdle       int
	IdleSleep     time.Duration
	TickSleep     time.Duration
	TaskTimeout   time.Duration
	Concurrency   int
}

// Normalize returns a copy of c with zero fields replaced by defaults.
func (c Config) Normalize() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaultMaxIdle
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	if c.TickSleep <= 0 {
		c.TickSleep = defaultTickSleep
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Engine drives one execution loop per user at a time; a second Start call
// for a user already running is a no-op, matching the original's
// idempotent start_execution.
type Engine struct {
	orch     Orchestrator
	tools    ToolInvoker
	resolver *binding.Resolver
	client   ClientDispatcher
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	done     map[string]chan struct{}
}

// New builds an Engine. client may be nil if the caller never registers
// client-target tasks.
func New(orch Orchestrator, tools ToolInvoker, client ClientDispatcher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		orch:     orch,
		tools:    tools,
		resolver: binding.New(),
		client:   client,
		cfg:      cfg.Normalize(),
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
		done:     make(map[string]chan struct{}),
	}
}

// IsRunning reports whether a loop is active for userID.
func (e *Engine) IsRunning(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[userID]
	return ok
}

// Start launches the execution loop for userID in a new goroutine. It is
// idempotent: calling it again while already running for that user has no
// effect and returns the existing completion channel.
func (e *Engine) Start(ctx context.Context, userID string) <-chan struct{} {
	e.mu.Lock()
	if ch, ok := e.done[userID]; ok {
		e.mu.Unlock()
		return ch
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.running[userID] = cancel
	e.done[userID] = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			e.mu.Lock()
			delete(e.running, userID)
			delete(e.done, userID)
			e.mu.Unlock()
		}()
		e.loop(runCtx, userID)
	}()

	return done
}

// WaitForCompletion blocks until userID's execution loop finishes or the
// given timeout elapses, returning true on completion and false on
// timeout, matching the original's wait_for_completion(timeout).
func (e *Engine) WaitForCompletion(userID string, timeout time.Duration) bool {
	e.mu.Lock()
	done, ok := e.done[userID]
	e.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StopExecution cancels a running loop for userID, if any.
func (e *Engine) StopExecution(userID string) {
	e.mu.Lock()
	cancel, ok := e.running[userID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// loop is the per-user execution driver: repeatedly fetch an executable
// batch, dispatch it, and stop on exhaustion, idle limit, iteration limit,
// or context cancellation.
func (e *Engine) loop(ctx context.Context, userID string) {
	idle := 0
	for i := 0; i < e.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			e.logger.Info("execution loop cancelled", "user_id", userID, "iteration", i)
			return
		}

		batch := e.orch.GetExecutableBatch(userID)
		if batch.Empty() {
			summary := e.orch.GetExecutionSummary(userID)
			if summary.Pending == 0 && summary.Running == 0 && summary.Emitted == 0 {
				e.logger.Info("execution complete", "user_id", userID, "completed", summary.Completed, "failed", summary.Failed)
				return
			}
			idle++
			if idle >= e.cfg.MaxIdle {
				e.logger.Warn("execution stalled: idle limit reached", "user_id", userID, "iteration", i)
				return
			}
			sleep(ctx, e.cfg.IdleSleep)
			continue
		}
		idle = 0

		if len(batch.ServerTasks) > 0 {
			e.executeServerBatch(ctx, userID, batch.ServerTasks)
		}
		if len(batch.ClientTasks) > 0 {
			e.emitClientBatch(ctx, userID, batch.ClientTasks)
		}

		sleep(ctx, e.cfg.TickSleep)
	}
	e.logger.Warn("execution loop reached max iterations", "user_id", userID, "max_iterations", e.cfg.MaxIterations)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// executeServerBatch runs every server task in the batch concurrently,
// bounded by e.cfg.Concurrency, using the semaphore-channel + WaitGroup
// idiom from internal/agent/tool_exec.go's ExecuteConcurrently.
func (e *Engine) executeServerBatch(ctx context.Context, userID string, tasks []*taskcore.TaskRecord) {
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.executeSingleServerTask(ctx, userID, t)
		}()
	}
	wg.Wait()
}

// executeSingleServerTask runs the mark-running -> validate bindings ->
// resolve inputs -> timeout-wrapped tool execute -> mark-completed/failed
// sequence for one task.
func (e *Engine) executeSingleServerTask(ctx context.Context, userID string, t *taskcore.TaskRecord) {
	e.orch.MarkTaskRunning(userID, t.TaskID)

	if ok, reason := e.resolver.ValidateBindings(t, userStateView{e.orch, userID}); !ok {
		e.orch.MarkTaskFailed(userID, t.TaskID, reason)
		return
	}
	inputs, warnings := e.resolver.ResolveInputs(t, userStateView{e.orch, userID})
	for _, w := range warnings {
		e.logger.Warn("unresolved binding", "user_id", userID, "task_id", t.TaskID, "binding", w)
	}
	inputs["_user_id"] = userID

	tool := e.tools.Get(t.Tool)
	if tool == nil {
		e.orch.MarkTaskFailed(userID, t.TaskID, "tool "+t.Tool+" not found")
		return
	}

	timeout := e.cfg.TaskTimeout
	if t.Control != nil && t.Control.TimeoutMS > 0 {
		timeout = time.Duration(t.Control.TimeoutMS) * time.Millisecond
	}

	output := e.executeWithTimeout(ctx, tool, inputs, timeout)
	if output.Success {
		e.orch.MarkTaskCompleted(userID, t.TaskID, output)
	} else {
		e.orch.MarkTaskFailed(userID, t.TaskID, output.Error)
	}
}

// executeWithTimeout runs tool.Execute on its own goroutine and selects
// between its result and the timeout, never blocking on a goroutine that
// outlives the deadline (it leaks harmlessly and is dropped), mirroring
// tool_exec.go's executeWithTimeout non-blocking collection.
func (e *Engine) executeWithTimeout(ctx context.Context, tool taskcore.Tool, inputs map[string]any, timeout time.Duration) taskcore.TaskOutput {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan taskcore.TaskOutput, 1)
	go func() {
		resultCh <- tool.Execute(callCtx, inputs)
	}()

	select {
	case out := <-resultCh:
		return out
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return taskcore.TaskOutput{Success: false, Data: map[string]any{}, Error: "tool execution timed out"}
		}
		return taskcore.TaskOutput{Success: false, Data: map[string]any{}, Error: "tool execution cancelled"}
	}
}

// emitClientBatch dispatches a client task chain. With no dispatcher
// configured, every task in the chain fails immediately — a client task
// registered without a transport is a configuration error, not a silent
// stall.
func (e *Engine) emitClientBatch(ctx context.Context, userID string, chain []*taskcore.TaskRecord) {
	if e.client == nil {
		for _, t := range chain {
			e.orch.MarkTaskFailed(userID, t.TaskID, "no client dispatcher configured")
		}
		return
	}

	// Resolve bindings before emission, matching the original's
	// _emit_client_batch: a chain member whose bindings fail to resolve is
	// failed (and cascades) rather than sent to the transport with gaps.
	deliverable := make([]*taskcore.TaskRecord, 0, len(chain))
	for _, t := range chain {
		if ok, reason := e.resolver.ValidateBindings(t, userStateView{e.orch, userID}); !ok {
			e.orch.MarkTaskFailed(userID, t.TaskID, reason)
			continue
		}
		resolved, warnings := e.resolver.ResolveInputs(t, userStateView{e.orch, userID})
		for _, w := range warnings {
			e.logger.Warn("unresolved binding", "user_id", userID, "task_id", t.TaskID, "binding", w)
		}
		t.ResolvedInputs = resolved
		deliverable = append(deliverable, t)
	}
	if len(deliverable) == 0 {
		return
	}

	for _, t := range deliverable {
		e.orch.MarkTaskEmitted(userID, t.TaskID)
	}

	synchronous, results := e.client.DispatchChain(ctx, userID, deliverable)
	if !synchronous {
		return
	}
	for i, t := range deliverable {
		if i >= len(results) {
			e.orch.MarkTaskFailed(userID, t.TaskID, "client dispatcher returned no result")
			continue
		}
		out := results[i]
		if out.Success {
			e.orch.MarkTaskCompleted(userID, t.TaskID, out)
		} else {
			e.orch.MarkTaskFailed(userID, t.TaskID, out.Error)
		}
	}
}
