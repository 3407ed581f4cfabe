// Package collab defines the narrow read-only interfaces the Context
// Assembler composes against. Sentra Agent does not own persona, emotion,
// memory, worldbook, or preset data — it consumes it from collaborator
// services/stores kept deliberately out of scope. Concrete
// implementations (HTTP clients, file-backed stores, SQL-backed stores) live
// in their own packages; this package exists so the orchestrator can depend
// on interfaces instead of implementations.
package collab

import "context"

// PersonaStore returns the sender's persona description as XML.
type PersonaStore interface {
	PersonaXML(ctx context.Context, senderID string) (string, error)
}

// EmotionClient returns a per-user emotion-analytics XML block.
type EmotionClient interface {
	EmotionXML(ctx context.Context, senderID, turnText string) (string, error)
}

// WorldbookStore returns domain/world-knowledge XML relevant to a
// conversation.
type WorldbookStore interface {
	WorldbookXML(ctx context.Context, convKey string) (string, error)
}

// PresetStore returns the bot persona/preset description and the base
// system-prompt template selector.
type PresetStore interface {
	PresetXML(ctx context.Context) (string, error)
	BaseTemplate(ctx context.Context) (TemplateKind, error)
}

// TemplateKind selects among the preset-selected base system templates.
type TemplateKind string

const (
	TemplateAuto         TemplateKind = "auto"
	TemplateRouter       TemplateKind = "router"
	TemplateResponseOnly TemplateKind = "response_only"
	TemplateToolsOnly    TemplateKind = "tools_only"
)

// ContextMemoryStore returns a daily context-memory XML blob keyed by
// conversation, when CONTEXT_MEMORY_ENABLED is set.
type ContextMemoryStore interface {
	DailyContextXML(ctx context.Context, convKey string) (string, error)
}

// SocialGraphStore returns the sender's social-graph standing for the
// conversation: how the bot should regard this sender in this group.
type SocialGraphStore interface {
	Lookup(ctx context.Context, senderID, groupID string) (*SocialGraphEntry, error)
}

// SocialGraphEntry is a single relationship record.
type SocialGraphEntry struct {
	UserID            string
	GroupID           string
	Relation          string
	LastInteractionAt string
}

// HistoryMessage is one turn in MCP protocol format, as returned by the
// history store for context assembly.
type HistoryMessage struct {
	Role    string // "user" | "assistant"
	Content string // MCP-formatted block (question or tool-call XML)
}

// HistoryStore returns the most recent conversation pairs for a
// conversation key, already converted to MCP protocol format.
type HistoryStore interface {
	RecentPairs(ctx context.Context, convKey string, limit int) ([]HistoryMessage, error)
}

// PromptEngine expands the preset-selected base template into the opening
// system message.
type PromptEngine interface {
	ExpandSystemTemplate(ctx context.Context, kind TemplateKind) (string, error)
}
