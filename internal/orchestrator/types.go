// Package orchestrator implements the message orchestration and reply
// scheduler: bundling, admission, reply gating, the turn pipeline, run
// tracking, and targeted cancellation described by the Sentra Agent core.
package orchestrator

import (
	"strings"
	"time"
)

// MessageType distinguishes group chat messages from private ones.
type MessageType string

const (
	MessageGroup   MessageType = "group"
	MessagePrivate MessageType = "private"
)

// IncomingMessage is the unit the gate and pipeline operate on. It is
// immutable after receipt; bundling produces new synthesized values rather
// than mutating an existing one.
type IncomingMessage struct {
	Type       MessageType
	SenderID   string
	SenderName string
	GroupID    string
	MessageID  string
	Text       string
	Summary    string
	AtUsers    []string
	TimeStr    string

	// Proactive fields, set by the delayed-job worker and task-recovery
	// scheduler when synthesizing a message rather than receiving one.
	Proactive              bool
	TaskRecoveryAttempt    int
	DisablePreReply        bool
	SentraRootDirectiveXML string
}

// ConversationKey is the sharding key for bundlers, registries, history and
// memory: "G:<gid>" for groups, "U:<uid>" for private chats.
type ConversationKey string

func BuildConversationKey(msg *IncomingMessage) ConversationKey {
	if msg.Type == MessageGroup && msg.GroupID != "" {
		return ConversationKey("G:" + msg.GroupID)
	}
	return ConversationKey("U:" + msg.SenderID)
}

// ConversationID is the scope for active-task admission:
// "group_<gid>_sender_<uid>" or "private_<uid>".
type ConversationID string

func BuildConversationID(msg *IncomingMessage) ConversationID {
	if msg.Type == MessageGroup && msg.GroupID != "" {
		return ConversationID("group_" + msg.GroupID + "_sender_" + msg.SenderID)
	}
	return ConversationID("private_" + msg.SenderID)
}

// Bundle is a time-coalesced group of successive messages from one sender.
type Bundle struct {
	FirstMsg      *IncomingMessage
	Messages      []*IncomingMessage
	OpenedAt      time.Time
	LastUpdatedAt time.Time
	Collecting    bool

	seenIDs map[string]struct{}
}

// Synthesize joins the bundle's messages into a single IncomingMessage whose
// Text is the newline-joined contents, preserving arrival order.
func (b *Bundle) Synthesize() *IncomingMessage {
	if len(b.Messages) == 0 {
		return b.FirstMsg
	}
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		text := m.Text
		if text == "" {
			text = m.Summary
		}
		parts = append(parts, text)
	}
	out := *b.Messages[len(b.Messages)-1]
	out.Text = strings.Join(parts, "\n")
	return &out
}

// dedupAdd appends msg to the bundle unless a message with the same
// MessageID was already bundled (bundling is idempotent against duplicate
// arrivals).
func (b *Bundle) dedupAdd(msg *IncomingMessage) bool {
	if b.seenIDs == nil {
		b.seenIDs = make(map[string]struct{}, 4)
		for _, m := range b.Messages {
			if m.MessageID != "" {
				b.seenIDs[m.MessageID] = struct{}{}
			}
		}
	}
	if msg.MessageID != "" {
		if _, dup := b.seenIDs[msg.MessageID]; dup {
			return false
		}
		b.seenIDs[msg.MessageID] = struct{}{}
	}
	b.Messages = append(b.Messages, msg)
	return true
}

// ActiveTask tracks the single admitted task for a conversationId.
type ActiveTask struct {
	TaskID         string
	ConversationID ConversationID
	Sender         string
	StartedAt      time.Time
	Cancelled      bool
}

// Run tracks one live MCP stream invocation.
type Run struct {
	RunID           string
	Sender          string
	ConversationKey ConversationKey
	StartedAt       time.Time
}

// CancelMode controls the scope of a cancellation request.
type CancelMode string

const (
	// CancelDefault cancels only runs started at or before the cutoff.
	CancelDefault CancelMode = "default"
	// CancelConversation cancels every run in the (sender, convKey) scope,
	// regardless of when it started.
	CancelConversation CancelMode = "conversation"
)

// CancelOptions parameterizes Registry.Cancel.
type CancelOptions struct {
	Mode     CancelMode
	CutoffTs time.Time
}

// Turn is a saved (userContent, assistantContent) history entry, built up
// as MCP events stream in and finalized on summary.
type Turn struct {
	PairID        string
	ConvKey       ConversationKey
	UserXML       string
	AssistantXML  string
	CreatedAt     time.Time
	SavedAt       *time.Time
	cancelled     bool
	everEmitted   bool // true once the first assistant emission reached this pair
}

// TaskRecoveryRecord mirrors the on-disk JSON journal entry consumed by the
// task-recovery scheduler.
type TaskRecoveryRecord struct {
	TaskID           string     `json:"taskId"`
	Summary          string     `json:"summary,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	UserID           string     `json:"userId"`
	GroupID          string     `json:"groupId,omitempty"`
	IsComplete       bool       `json:"isComplete"`
	RecoveryCount    int        `json:"recoveryCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	LastRecoveryAt   *time.Time `json:"lastRecoveryAt,omitempty"`
	LastRecoveryStat string     `json:"lastRecoveryStatus,omitempty"`
	Promises         []string   `json:"promises,omitempty"`
	ToolCalls        []string   `json:"toolCalls,omitempty"`

	// Path is the on-disk location this record was loaded from; not
	// serialized, used only to drive the write-temp-then-rename update.
	Path string `json:"-"`
}

// ReplyDecision is the output of the reply-policy gate.
type ReplyDecision struct {
	NeedReply   bool
	Mandatory   bool
	Probability float64
	Threshold   float64
	TaskID      string
}

// ReplyDecisionTrace supplements ReplyDecision with the reasoning behind it,
// for logs/metrics only — never persisted as part of the core data model.
type ReplyDecisionTrace struct {
	Reasons []string
}
