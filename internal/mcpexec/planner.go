package mcpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentra/agent/internal/mcp"
	"github.com/sentra/agent/internal/orchestrator"
)

// Chatter is the narrow LLM surface the planner uses to decide tool calls.
// internal/llm.Client satisfies this (it already implements
// orchestrator.LLMChatter with the same method set).
type Chatter interface {
	Chat(ctx context.Context, messages []orchestrator.MCPMessage, opts orchestrator.ChatOptions) (string, error)
}

// LLMPlanner asks the configured chat model which tools, if any, to call
// for a run, given the tool schemas advertised by the connected MCP
// servers. It returns no calls (triggering the no-tools judge path) when
// the model declines tool use or no tools are configured.
type LLMPlanner struct {
	chat    Chatter
	manager *mcp.Manager
	model   string
}

// NewLLMPlanner wires a chat model to the manager's advertised tool set.
func NewLLMPlanner(chat Chatter, manager *mcp.Manager, model string) *LLMPlanner {
	return &LLMPlanner{chat: chat, manager: manager, model: model}
}

type plannedCall struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, input orchestrator.MCPRunInput) ([]ToolCall, error) {
	schemas := p.manager.ToolSchemas()
	if len(schemas) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Available tools (JSON schema), one per line:\n")
	for _, s := range schemas {
		raw, err := json.Marshal(s)
		if err != nil {
			continue
		}
		sb.Write(raw)
		sb.WriteString("\n")
	}
	sb.WriteString("Given the objective, respond with a strict JSON array of {\"server\",\"tool\",\"arguments\"} to call, or [] if no tool is needed.\n")
	sb.WriteString("Objective: ")
	sb.WriteString(input.Objective)

	raw, err := p.chat.Chat(ctx, []orchestrator.MCPMessage{{Role: "user", Content: sb.String()}}, orchestrator.ChatOptions{Model: p.model, MaxTokens: 512})
	if err != nil {
		return nil, fmt.Errorf("plan chat: %w", err)
	}

	arrStart := strings.Index(raw, "[")
	arrEnd := strings.LastIndex(raw, "]")
	if arrStart < 0 || arrEnd < arrStart {
		return nil, nil
	}

	var planned []plannedCall
	if err := json.Unmarshal([]byte(raw[arrStart:arrEnd+1]), &planned); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	calls := make([]ToolCall, 0, len(planned))
	for _, pc := range planned {
		if pc.Server == "" || pc.Tool == "" {
			continue
		}
		calls = append(calls, ToolCall{Server: pc.Server, Tool: pc.Tool, Arguments: pc.Arguments})
	}
	return calls, nil
}
