package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunCanceller is the narrow MCP-executor interface the Run Registry pushes
// cancellation to. Implemented by internal/mcpexec.
type RunCanceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// RunRegistry tracks sender -> convKey -> runId -> startedAt, with targeted
// cancellation scoped to (sender, convKey) so that a user asking the bot to
// stop in one conversation never touches the bot's work elsewhere.
//
// The outer map is keyed by sender so locking can, in principle, be
// striped per sender; a single mutex is used here since run churn is low
// relative to message volume, but callers never hold it across an MCP
// CancelRun call — cancellation is cooperative, not preemptive.
type RunRegistry struct {
	logger    *slog.Logger
	canceller RunCanceller

	mu    sync.Mutex
	runs  map[string]map[ConversationKey]map[string]time.Time // sender -> convKey -> runId -> startedAt
}

// NewRunRegistry creates a Run Registry bound to the given canceller.
func NewRunRegistry(canceller RunCanceller, logger *slog.Logger) *RunRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRegistry{canceller: canceller, logger: logger, runs: make(map[string]map[ConversationKey]map[string]time.Time)}
}

// Track inserts a run with startedAt = now.
func (r *RunRegistry) Track(sender string, convKey ConversationKey, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byConv, ok := r.runs[sender]
	if !ok {
		byConv = make(map[ConversationKey]map[string]time.Time)
		r.runs[sender] = byConv
	}
	byRun, ok := byConv[convKey]
	if !ok {
		byRun = make(map[string]time.Time)
		byConv[convKey] = byRun
	}
	byRun[runID] = time.Now()
}

// Untrack removes a run, cleaning up empty inner maps.
func (r *RunRegistry) Untrack(sender string, convKey ConversationKey, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untrackLocked(sender, convKey, runID)
}

func (r *RunRegistry) untrackLocked(sender string, convKey ConversationKey, runID string) {
	byConv, ok := r.runs[sender]
	if !ok {
		return
	}
	byRun, ok := byConv[convKey]
	if !ok {
		return
	}
	delete(byRun, runID)
	if len(byRun) == 0 {
		delete(byConv, convKey)
	}
	if len(byConv) == 0 {
		delete(r.runs, sender)
	}
}

// Cancel cancels runs for (sender, convKey) per opts. If convKey is empty,
// it defaults to the sender's private conversation key "U:<sender>".
// mode="conversation" cancels every run regardless of startedAt; otherwise
// only runs with startedAt <= opts.CutoffTs are cancelled.
func (r *RunRegistry) Cancel(ctx context.Context, sender string, convKey ConversationKey, opts CancelOptions) {
	if convKey == "" {
		convKey = ConversationKey("U:" + sender)
	}

	r.mu.Lock()
	byConv, ok := r.runs[sender]
	if !ok {
		r.mu.Unlock()
		return
	}
	byRun, ok := byConv[convKey]
	if !ok {
		r.mu.Unlock()
		return
	}

	var toCancel []string
	for runID, startedAt := range byRun {
		if opts.Mode == CancelConversation || !startedAt.After(opts.CutoffTs) {
			toCancel = append(toCancel, runID)
		}
	}
	r.mu.Unlock()

	for _, runID := range toCancel {
		if r.canceller != nil {
			if err := r.canceller.CancelRun(ctx, runID); err != nil {
				r.logger.Warn("cancel run failed", "run_id", runID, "sender", sender, "conv_key", convKey, "error", err)
			}
		}
		r.mu.Lock()
		r.untrackLocked(sender, convKey, runID)
		r.mu.Unlock()
	}
}

// ActiveRunCount returns the number of tracked runs for (sender, convKey),
// primarily useful in tests.
func (r *RunRegistry) ActiveRunCount(sender string, convKey ConversationKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	byConv, ok := r.runs[sender]
	if !ok {
		return 0
	}
	return len(byConv[convKey])
}
