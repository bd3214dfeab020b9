// Package main provides taskcore-demo, a thin CLI that wires the Tool
// Registry, Orchestrator, and Execution Engine together and runs a sample
// task graph end to end, for manual smoke-testing of the core without a
// real planner or transport attached. Modeled on cmd/nexus-edge's
// cobra + slog + flag-driven Config bootstrapping.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianai/taskcore/internal/obslog"
	"github.com/meridianai/taskcore/internal/taskcore"
	"github.com/meridianai/taskcore/internal/taskcore/engine"
	"github.com/meridianai/taskcore/internal/taskcore/orchestrator"
	"github.com/meridianai/taskcore/internal/taskcore/registry"
	"github.com/meridianai/taskcore/internal/taskcore/taskcoretest"
)

// Version is set at build time.
var Version = "dev"

// Config holds demo-run configuration, flag-driven like nexus-edge's Config.
type Config struct {
	UserID     string
	LogLevel   string
	LogFormat  string
	WaitForAck bool
}

// DefaultConfig returns sensible defaults for a local smoke test.
func DefaultConfig() Config {
	return Config{
		UserID:    "demo-user",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func main() {
	cfg := DefaultConfig()

	root := &cobra.Command{
		Use:     "taskcore-demo",
		Short:   "Run a sample task graph through the orchestration core",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	root.Flags().StringVar(&cfg.UserID, "user-id", cfg.UserID, "user ID to run the demo graph under")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	root.Flags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	root.Flags().BoolVar(&cfg.WaitForAck, "wait-for-ack", cfg.WaitForAck, "simulate a remote client that acks after a short delay instead of executing synchronously")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	logger := obslog.New(obslog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	reg := registry.New()
	reg.Load([]registry.Entry{
		{ToolName: "get_weather", ParamsSchema: taskcore.FieldSchema{"city": {Type: taskcore.TypeString, Required: true}}},
		{ToolName: "speak", ParamsSchema: taskcore.FieldSchema{"text": {Type: taskcore.TypeString, Required: true}}, DefaultExecutionTarget: taskcore.TargetClient},
	})

	tools := taskcore.NewToolSet()
	tools.Add(taskcoretest.Echo("get_weather"))

	orch := orchestrator.New(reg, logger)

	var dispatcher engine.ClientDispatcher = demoDispatcher{synchronous: !cfg.WaitForAck}

	e := engine.New(orch, tools, dispatcher, engine.Config{}, logger)

	orch.RegisterTasks(cfg.UserID, []taskcore.Task{
		{
			TaskID:          "fetch_weather",
			Tool:            "get_weather",
			ExecutionTarget: taskcore.TargetServer,
			Inputs:          map[string]any{"city": "san francisco"},
		},
		{
			TaskID:          "announce",
			Tool:            "speak",
			ExecutionTarget: taskcore.TargetClient,
			DependsOn:       []string{"fetch_weather"},
			InputBindings:   map[string]string{"text": "$.fetch_weather.data.city"},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := e.Start(ctx, cfg.UserID)

	if cfg.WaitForAck {
		go func() {
			// An ack for a task that is not yet emitted is ignored, so wait
			// for the engine to emit announce before acking it.
			for ctx.Err() == nil {
				time.Sleep(200 * time.Millisecond)
				if rec, ok := orch.GetTask(cfg.UserID, "announce"); ok && rec.Status == taskcore.StatusEmitted {
					orch.HandleClientAck(cfg.UserID, "announce", taskcore.TaskOutput{Success: true, Data: map[string]any{"spoken": true}})
					return
				}
			}
		}()
	}

	<-done

	state := orch.GetState(cfg.UserID)
	summary := orch.GetExecutionSummary(cfg.UserID)

	report := struct {
		Summary taskcore.ExecutionSummary         `json:"summary"`
		Tasks   map[string]*taskcore.TaskRecord    `json:"tasks"`
	}{Summary: summary, Tasks: state.Tasks}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// demoDispatcher stands in for a real transport: when synchronous it
// "executes" a client task chain locally by echoing its inputs back as
// output; otherwise it returns immediately and relies on the caller to
// drive HandleClientAck, simulating a remote client's round trip.
type demoDispatcher struct {
	synchronous bool
}

func (d demoDispatcher) DispatchChain(_ context.Context, _ string, chain []*taskcore.TaskRecord) (bool, []taskcore.TaskOutput) {
	if !d.synchronous {
		return false, nil
	}
	results := make([]taskcore.TaskOutput, len(chain))
	for i, t := range chain {
		data := make(map[string]any, len(t.ResolvedInputs))
		for k, v := range t.ResolvedInputs {
			data[k] = v
		}
		results[i] = taskcore.TaskOutput{Success: true, Data: data}
	}
	return true, results
}
