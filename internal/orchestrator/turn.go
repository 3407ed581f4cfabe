package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sentra/agent/internal/retry"
)

// PipelineConfig bundles every collaborator the Turn Pipeline depends on.
// Constructed once at startup and passed by reference as an explicit struct
// instead of an anonymous option bag.
type PipelineConfig struct {
	Assembler *ContextAssembler
	MCP       MCPStreamer
	LLM       LLMChatter
	Sender    Sender
	History   HistoryRecorder
	Cache     MessageCache // optional

	Runs    *RunRegistry
	Tasks   *ActiveTaskRegistry
	Bundler *Bundler

	TokenCounter       TokenCounter // optional, defaults to DefaultTokenCounter()
	MaxResponseTokens  int
	MaxResponseRetries int // MAX_RESPONSE_RETRIES; total attempts = retries + 1

	Logger *slog.Logger

	// OnTurnDuration, if set, is invoked once per Run with the wall time
	// spent in the turn (used to feed the turn-duration metric).
	OnTurnDuration func(d time.Duration)
}

// TurnPipeline drives one admitted bundle through context assembly, the MCP
// tool-using agent loop, response formatting, and delivery.
type TurnPipeline struct {
	cfg PipelineConfig
}

// NewTurnPipeline validates and wraps a PipelineConfig.
func NewTurnPipeline(cfg PipelineConfig) *TurnPipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenCounter == nil {
		cfg.TokenCounter = DefaultTokenCounter()
	}
	if cfg.MaxResponseRetries < 0 {
		cfg.MaxResponseRetries = 0
	}
	return &TurnPipeline{cfg: cfg}
}

// Run drives one admitted bundle through the full turn pipeline, then
// chains into any queued follow-up work (a next message registered via
// SetNextMessage, or a drained PendingMessages buffer) without recursing:
// each chained turn replaces the previous one in the same goroutine, which
// preserves the invariant that turns run strictly serially within one
// sender.
func (p *TurnPipeline) Run(ctx context.Context, sender string, convKey ConversationKey, bundle *IncomingMessage, taskID string) {
	for {
		p.runOne(ctx, sender, convKey, bundle, taskID)

		next := p.cfg.Tasks.CompleteTask(sender, taskID)
		if next == nil && p.cfg.Bundler != nil && p.cfg.Bundler.HasPending(sender) {
			next = p.cfg.Bundler.DrainPending(sender)
		}
		if next == nil {
			p.cfg.Tasks.ClearCancelledTask(taskID)
			return
		}

		decision := p.cfg.Tasks.ShouldReply(next, BuildConversationKey(next))
		p.cfg.Tasks.ClearCancelledTask(taskID)
		if !decision.NeedReply {
			return
		}
		bundle = next
		convKey = BuildConversationKey(next)
		taskID = decision.TaskID
	}
}

// runOne executes a single pass of the turn state machine, without
// chaining. completeTask is NOT called here; the caller
// (Run) owns completion so it can inspect the chained next-message result.
func (p *TurnPipeline) runOne(ctx context.Context, sender string, convKey ConversationKey, bundle *IncomingMessage, taskID string) {
	start := time.Now()
	defer func() {
		if p.cfg.OnTurnDuration != nil {
			p.cfg.OnTurnDuration(time.Since(start))
		}
	}()

	pairID := uuid.NewString()
	turn := &Turn{PairID: pairID, ConvKey: convKey, CreatedAt: time.Now()}

	hasReplied := false
	runID := ""

	initialContext, err := p.cfg.Assembler.Assemble(ctx, bundle, convKey, "", "")
	if err != nil {
		p.cfg.Logger.Warn("context assembly failed", "task_id", taskID, "error", err)
		return
	}
	turn.UserXML = initialContext[len(initialContext)-1].Content

	events, err := p.cfg.MCP.Stream(ctx, MCPRunInput{
		Objective:    bundle.Text,
		Conversation: initialContext,
	})
	if err != nil {
		p.cfg.Logger.Warn("mcp stream error", "task_id", taskID, "sender", sender, "error", err)
		return
	}

	defer func() {
		if runID != "" {
			p.cfg.Runs.Untrack(sender, convKey, runID)
		}
	}()

	pendingOverlay := ""

	for ev := range events {
		if p.cfg.Tasks.IsTaskCancelled(taskID) {
			p.cancelTurn(turn)
			return
		}

		switch ev.Kind {
		case EventStart:
			runID = ev.RunID
			p.cfg.Runs.Track(sender, convKey, runID)
			if p.cfg.Cache != nil {
				p.cfg.Cache.CacheLatest(runID, bundle)
			}

		case EventJudge:
			if ev.NeedReply {
				continue
			}
			text, ok := p.replyOnce(ctx, bundle, convKey, turn, pendingOverlay, !hasReplied, taskID)
			if !ok {
				p.cancelTurn(turn)
				return
			}
			if text != "" {
				hasReplied = true
			}
			p.finalizeTurn(ctx, turn)
			return

		case EventPlan:
			// informational; no state change.

		case EventToolResult:
			if p.cfg.Bundler != nil && p.cfg.Bundler.HasPending(sender) {
				merged := p.cfg.Bundler.DrainPending(sender)
				if merged != nil {
					pendingOverlay = fmt.Sprintf("<sentra-pending-messages>%s</sentra-pending-messages>", merged.Text)
					p.cfg.Logger.Info("dynamic perception: new messages observed mid-task", "sender", sender, "task_id", taskID)
				}
			}

			resultBlock := fmt.Sprintf("<sentra-result tool=%q>%s</sentra-result>", ev.ToolName, ev.ToolResult)
			turn.UserXML += resultBlock

			quote := !hasReplied
			text, ok := p.replyOnce(ctx, bundle, convKey, turn, pendingOverlay+resultBlock, quote, taskID)
			if !ok {
				p.cancelTurn(turn)
				return
			}
			if text != "" {
				hasReplied = true
			}
			pendingOverlay = ""

		case EventSummary:
			turn.AssistantXML += ev.SummaryText
			p.finalizeTurn(ctx, turn)
			return

		case EventUnknown:
			p.cfg.Logger.Debug("unrecognized mcp event", "task_id", taskID, "raw", ev.Raw)
		}
	}
}

// replyOnce runs chatWithRetry against the assembled context, sends the
// extracted text (if any) through the Sender, and appends it to the turn's
// assistant content. It returns (text, ok); ok is false on a terminal
// failure (format/token/network exhaustion or MCP stream error), in which
// case the caller must cancel the pair.
func (p *TurnPipeline) replyOnce(ctx context.Context, bundle *IncomingMessage, convKey ConversationKey, turn *Turn, overlay string, quote bool, taskID string) (string, bool) {
	messages, err := p.cfg.Assembler.Assemble(ctx, bundle, convKey, overlay, "")
	if err != nil {
		p.cfg.Logger.Warn("context assembly failed", "task_id", taskID, "error", err)
		return "", false
	}

	text, err := p.chatWithRetry(ctx, messages)
	if err != nil {
		p.cfg.Logger.Warn("chat exhausted retries", "task_id", taskID, "error", err)
		return "", false
	}
	if text == "" {
		return "", true
	}

	if p.cfg.Tasks.IsTaskCancelled(taskID) {
		return "", false
	}

	if err := p.cfg.Sender.SendText(ctx, convKey, text, quote); err != nil {
		p.cfg.Logger.Warn("send failed, delivery unknown", "task_id", taskID, "error", err)
	}

	turn.AssistantXML += text
	turn.everEmitted = true
	return text, true
}

// chatWithRetry format-validates and token-checks the chat response,
// retrying on format/token/network failure up to MaxResponseRetries+1
// total attempts.
func (p *TurnPipeline) chatWithRetry(ctx context.Context, messages []MCPMessage) (string, error) {
	cfg := retry.Config{
		MaxAttempts:  p.cfg.MaxResponseRetries + 1,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Factor:       1.0,
		Jitter:       false,
	}

	text, result := retry.DoWithValue(ctx, cfg, func() (string, error) {
		raw, err := p.cfg.LLM.Chat(ctx, messages, ChatOptions{})
		if err != nil {
			return "", err
		}
		extracted, ferr := validateAndExtract(raw, p.cfg.TokenCounter, p.cfg.MaxResponseTokens)
		if ferr != nil {
			return "", ferr
		}
		return extracted, nil
	})
	if result.Err != nil {
		return "", result.Err
	}
	return text, nil
}

// finalizeTurn saves the turn, guarding against replay: a turn is saved
// only if it was never cancelled and has not already been saved.
func (p *TurnPipeline) finalizeTurn(ctx context.Context, turn *Turn) {
	if turn.cancelled || turn.SavedAt != nil {
		return
	}
	if !turn.everEmitted && turn.AssistantXML == "" {
		return
	}
	now := time.Now()
	turn.SavedAt = &now
	if p.cfg.History != nil {
		if err := p.cfg.History.SavePair(ctx, turn.ConvKey, *turn); err != nil {
			p.cfg.Logger.Warn("save pair failed", "pair_id", turn.PairID, "error", err)
		}
	}
}

// cancelTurn marks a turn cancelled so finalizeTurn (and any racing
// caller) never persists it.
func (p *TurnPipeline) cancelTurn(turn *Turn) {
	turn.cancelled = true
}
