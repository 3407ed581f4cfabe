// Package mcpexec adapts the MCP (Model-Context-Protocol) client/manager
// to the tagged-event streaming contract the Turn Pipeline expects
// (orchestrator.MCPStreamer), translating duck-typed tool calls into the
// Start/Judge/Plan/ToolResult/Summary sum type.
package mcpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sentra/agent/internal/mcp"
	"github.com/sentra/agent/internal/orchestrator"
)

// Planner decides, given the run's objective and conversation, which tools
// (if any) to invoke this round. A nil Planner means the executor always
// takes the no-tools path (judge.need=false): useful for deployments that
// run the Turn Pipeline without any MCP servers configured.
type Planner interface {
	Plan(ctx context.Context, input orchestrator.MCPRunInput) ([]ToolCall, error)
}

// ToolCall names one MCP tool invocation the Planner requested.
type ToolCall struct {
	Server    string
	Tool      string
	Arguments map[string]any
}

// Executor implements orchestrator.MCPStreamer and orchestrator.RunCanceller
// on top of internal/mcp's Manager.
type Executor struct {
	manager       *mcp.Manager
	planner       Planner
	maxToolRounds int
	logger        *slog.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewExecutor wires an MCP Manager and an optional Planner.
func NewExecutor(manager *mcp.Manager, planner Planner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		manager:       manager,
		planner:       planner,
		maxToolRounds: 8,
		logger:        logger,
		cancel:        make(map[string]context.CancelFunc),
	}
}

// Stream implements orchestrator.MCPStreamer. It runs asynchronously and
// closes the returned channel on completion, error, or cancellation.
func (e *Executor) Stream(ctx context.Context, input orchestrator.MCPRunInput) (<-chan orchestrator.Event, error) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel[runID] = cancel
	e.mu.Unlock()

	events := make(chan orchestrator.Event, 8)

	go func() {
		defer close(events)
		defer func() {
			e.mu.Lock()
			delete(e.cancel, runID)
			e.mu.Unlock()
			cancel()
		}()

		events <- orchestrator.Event{Kind: orchestrator.EventStart, RunID: runID}

		if e.planner == nil {
			events <- orchestrator.Event{Kind: orchestrator.EventJudge, NeedReply: false}
			return
		}

		calls, err := e.planner.Plan(runCtx, input)
		if err != nil {
			e.logger.Warn("mcp plan failed, falling back to no-tool reply", "run_id", runID, "error", err)
			events <- orchestrator.Event{Kind: orchestrator.EventJudge, NeedReply: false}
			return
		}
		if len(calls) == 0 {
			events <- orchestrator.Event{Kind: orchestrator.EventJudge, NeedReply: false}
			return
		}

		events <- orchestrator.Event{Kind: orchestrator.EventJudge, NeedReply: true}

		steps := make([]string, 0, len(calls))
		for _, c := range calls {
			steps = append(steps, c.Server+"."+c.Tool)
		}
		events <- orchestrator.Event{Kind: orchestrator.EventPlan, Steps: steps}

		rounds := len(calls)
		if rounds > e.maxToolRounds {
			rounds = e.maxToolRounds
		}

		for i := 0; i < rounds; i++ {
			if runCtx.Err() != nil {
				events <- orchestrator.Event{Kind: orchestrator.EventSummary, SummaryText: ""}
				return
			}

			call := calls[i]
			client, ok := e.manager.Client(call.Server)
			if !ok {
				events <- orchestrator.Event{Kind: orchestrator.EventToolResult, ToolName: call.Tool, ToolResult: fmt.Sprintf("error: mcp server %q not connected", call.Server)}
				continue
			}

			result, err := client.CallTool(runCtx, call.Tool, call.Arguments)
			if err != nil {
				events <- orchestrator.Event{Kind: orchestrator.EventToolResult, ToolName: call.Tool, ToolResult: fmt.Sprintf("error: %s", err)}
				continue
			}
			events <- orchestrator.Event{Kind: orchestrator.EventToolResult, ToolName: call.Tool, ToolResult: renderToolResult(result)}
		}

		events <- orchestrator.Event{Kind: orchestrator.EventSummary, SummaryText: ""}
	}()

	return events, nil
}

// CancelRun implements orchestrator.RunCanceller.
func (e *Executor) CancelRun(_ context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.cancel[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

func renderToolResult(result *mcp.ToolCallResult) string {
	if result == nil {
		return ""
	}
	if len(result.Content) == 1 && result.Content[0].Type == "text" {
		return result.Content[0].Text
	}
	raw, err := json.Marshal(result.Content)
	if err != nil {
		return ""
	}
	return string(raw)
}
