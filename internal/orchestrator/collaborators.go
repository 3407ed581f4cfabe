package orchestrator

import "context"

// ChatOptions carries the hot-reloadable LLM tunables: model, temperature,
// maxTokens, timeout, apiKey, apiBaseUrl. Zero values mean "use the
// collaborator's configured default".
type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TimeoutMs   int
	APIKey      string
	APIBaseURL  string
}

// LLMChatter is the narrow LLM interface consumed by chatWithRetry.
// Implemented by internal/llm.
type LLMChatter interface {
	Chat(ctx context.Context, messages []MCPMessage, opts ChatOptions) (string, error)
}

// Sender is the narrow Transport Port surface the Turn Pipeline uses to
// deliver replies. quote controls whether the reply references the
// inciting message (only the first reply of a turn ever quotes).
type Sender interface {
	SendText(ctx context.Context, convKey ConversationKey, text string, quote bool) error
}

// HistoryRecorder persists a finalized conversation pair. Implemented by a
// history store collaborator.
type HistoryRecorder interface {
	SavePair(ctx context.Context, convKey ConversationKey, pair Turn) error
}

// MessageCache caches the latest message seen for a runId, used for crash
// recovery.
type MessageCache interface {
	CacheLatest(runID string, msg *IncomingMessage)
}
