package orchestrator

import "context"

// EventKind discriminates the tagged MCP event sum type, used in place of
// duck-typed MCP frames.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventJudge      EventKind = "judge"
	EventPlan       EventKind = "plan"
	EventToolResult EventKind = "tool_result"
	EventSummary    EventKind = "summary"
	EventUnknown    EventKind = "unknown"
)

// Event is one frame of an MCP run's event stream. Exactly the fields
// relevant to Kind are populated; callers are expected to switch
// exhaustively on Kind rather than probe fields.
type Event struct {
	Kind EventKind

	// EventStart
	RunID string

	// EventJudge
	NeedReply bool

	// EventPlan
	Steps []string

	// EventToolResult
	ToolName   string
	ToolResult string

	// EventSummary
	SummaryText string

	// EventUnknown
	Raw any
}

// MCPRunInput is the request handed to the MCP executor's stream call.
type MCPRunInput struct {
	Objective    string
	Conversation []MCPMessage
	Overlays     map[string]string
}

// MCPStreamer is the narrow MCP-executor interface the Turn Pipeline
// drives. Implemented by internal/mcpexec.
type MCPStreamer interface {
	Stream(ctx context.Context, input MCPRunInput) (<-chan Event, error)
}
