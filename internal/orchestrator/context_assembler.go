package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sentra/agent/internal/collab"
)

// AssemblerConfig bundles the collaborators the Context Assembler composes
// against. Every field is optional: a missing collaborator degrades to
// omission, not failure — the assembler is the single point that enforces
// "no empty fields" reaching the MCP run input.
type AssemblerConfig struct {
	Persona       collab.PersonaStore
	Emotion       collab.EmotionClient
	Worldbook     collab.WorldbookStore
	Preset        collab.PresetStore
	ContextMemory collab.ContextMemoryStore
	History       collab.HistoryStore
	PromptEngine  collab.PromptEngine

	// ContextMemoryEnabled mirrors CONTEXT_MEMORY_ENABLED.
	ContextMemoryEnabled bool
	// MaxContextPairs mirrors MCP_MAX_CONTEXT_PAIRS.
	MaxContextPairs int
}

// ContextAssembler builds the message list handed to an MCP run from a
// bundle plus its collaborator context.
type ContextAssembler struct {
	cfg    AssemblerConfig
	logger *slog.Logger
}

// NewContextAssembler creates an assembler bound to the given collaborators.
func NewContextAssembler(cfg AssemblerConfig, logger *slog.Logger) *ContextAssembler {
	if cfg.MaxContextPairs <= 0 {
		cfg.MaxContextPairs = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextAssembler{cfg: cfg, logger: logger}
}

// MCPMessage is one entry of the message list handed to the MCP run, in
// the order [systemMessage, ...historyMessages, userMessage].
type MCPMessage struct {
	Role    string
	Content string
}

// Assemble builds the message list for (bundle, conversationKey).
// pendingXML and emoXML are turn-specific
// overlays the Turn Pipeline supplies (pending-messages context and the
// per-turn emotion block); both may be empty.
func (a *ContextAssembler) Assemble(ctx context.Context, bundle *IncomingMessage, convKey ConversationKey, pendingXML, emoXML string) ([]MCPMessage, error) {
	system, err := a.buildSystemMessage(ctx, bundle, convKey)
	if err != nil {
		return nil, fmt.Errorf("build system message: %w", err)
	}

	messages := make([]MCPMessage, 0, a.cfg.MaxContextPairs*2+2)
	messages = append(messages, MCPMessage{Role: "system", Content: system})

	if a.cfg.History != nil {
		pairs, err := a.cfg.History.RecentPairs(ctx, string(convKey), a.cfg.MaxContextPairs)
		if err != nil {
			a.logger.Warn("history lookup failed, degrading to omission", "conv_key", convKey, "error", err)
		} else {
			for _, p := range pairs {
				messages = append(messages, MCPMessage{Role: p.Role, Content: p.Content})
			}
		}
	}

	messages = append(messages, MCPMessage{Role: "user", Content: a.buildUserMessage(bundle, pendingXML, emoXML)})
	return messages, nil
}

func (a *ContextAssembler) buildSystemMessage(ctx context.Context, bundle *IncomingMessage, convKey ConversationKey) (string, error) {
	var sb strings.Builder

	kind := collab.TemplateAuto
	if a.cfg.Preset != nil {
		if k, err := a.cfg.Preset.BaseTemplate(ctx); err == nil && k != "" {
			kind = k
		}
	}
	if a.cfg.PromptEngine != nil {
		if base, err := a.cfg.PromptEngine.ExpandSystemTemplate(ctx, kind); err == nil && base != "" {
			sb.WriteString(base)
		} else if err != nil {
			a.logger.Warn("prompt template expansion failed, degrading to omission", "error", err)
		}
	}

	a.appendOptional(ctx, &sb, "persona", func() (string, error) {
		if a.cfg.Persona == nil {
			return "", nil
		}
		return a.cfg.Persona.PersonaXML(ctx, bundle.SenderID)
	})
	a.appendOptional(ctx, &sb, "emotion", func() (string, error) {
		if a.cfg.Emotion == nil {
			return "", nil
		}
		return a.cfg.Emotion.EmotionXML(ctx, bundle.SenderID, bundle.Text)
	})
	a.appendOptional(ctx, &sb, "worldbook", func() (string, error) {
		if a.cfg.Worldbook == nil {
			return "", nil
		}
		return a.cfg.Worldbook.WorldbookXML(ctx, string(convKey))
	})
	a.appendOptional(ctx, &sb, "preset", func() (string, error) {
		if a.cfg.Preset == nil {
			return "", nil
		}
		return a.cfg.Preset.PresetXML(ctx)
	})
	if a.cfg.ContextMemoryEnabled {
		a.appendOptional(ctx, &sb, "context-memory", func() (string, error) {
			if a.cfg.ContextMemory == nil {
				return "", nil
			}
			return a.cfg.ContextMemory.DailyContextXML(ctx, string(convKey))
		})
	}

	if bundle.SentraRootDirectiveXML != "" {
		sb.WriteString("\n")
		sb.WriteString(bundle.SentraRootDirectiveXML)
	}

	return sb.String(), nil
}

// appendOptional fetches a collaborator section and appends it unless it is
// empty or errors; failures degrade to omission rather than failing the
// whole assembly.
func (a *ContextAssembler) appendOptional(_ context.Context, sb *strings.Builder, name string, fetch func() (string, error)) {
	section, err := fetch()
	if err != nil {
		a.logger.Warn("collaborator lookup failed, degrading to omission", "section", name, "error", err)
		return
	}
	if strings.TrimSpace(section) == "" {
		return
	}
	sb.WriteString("\n")
	sb.WriteString(section)
}

// buildUserMessage wraps the sender's question in a <sentra-user-question>
// block, optionally preceded by a pending-messages overlay and a per-turn
// emotion block.
func (a *ContextAssembler) buildUserMessage(bundle *IncomingMessage, pendingXML, emoXML string) string {
	var sb strings.Builder
	if pendingXML != "" {
		sb.WriteString(pendingXML)
		sb.WriteString("\n")
	}
	if emoXML != "" {
		sb.WriteString("<sentra-emo>")
		sb.WriteString(emoXML)
		sb.WriteString("</sentra-emo>\n")
	}
	sb.WriteString("<sentra-user-question>")
	sb.WriteString(bundle.Text)
	sb.WriteString("</sentra-user-question>")
	return sb.String()
}
