package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentra/agent/internal/observability"
)

// ReplyGate is the narrow interface the ActiveTaskRegistry calls to decide
// whether a bundle deserves a reply. Its implementation lives in gate.go;
// it is a separate interface here so the registry can be tested against a
// fake.
type ReplyGate interface {
	Decide(msg *IncomingMessage, convKey ConversationKey) ReplyDecision
}

// ActiveTaskRegistry admits at most one non-cancelled ActiveTask per
// conversation, plus the cancellation-token bookkeeping consumed by the
// Turn Pipeline and Intervention Logic.
type ActiveTaskRegistry struct {
	gate    ReplyGate
	metrics *observability.Metrics

	mu        sync.Mutex
	active    map[ConversationID]*ActiveTask // at most one non-cancelled entry per key
	cancelled map[string]bool                // taskId -> cancelled, monotonic until cleared
	nextFn    map[string]func() *IncomingMessage
}

// NewActiveTaskRegistry creates a registry bound to the given reply gate.
func NewActiveTaskRegistry(gate ReplyGate) *ActiveTaskRegistry {
	return &ActiveTaskRegistry{
		gate:      gate,
		active:    make(map[ConversationID]*ActiveTask),
		cancelled: make(map[string]bool),
		nextFn:    make(map[string]func() *IncomingMessage),
	}
}

// SetMetrics wires optional Prometheus recording for the in-flight task
// gauge. Nil is valid and skips recording entirely.
func (r *ActiveTaskRegistry) SetMetrics(m *observability.Metrics) { r.metrics = m }

func (r *ActiveTaskRegistry) reportActiveCountLocked() {
	if r.metrics != nil {
		r.metrics.SetActiveTasks(len(r.active))
	}
}

// ShouldReply evaluates the gate and, if needReply is true, admits a new
// ActiveTask for the message's conversationId (at most one live task per
// conversationId admits at a time; a caller must check GetActiveTaskCount
// first if that matters to it — admission itself does not reject a second
// concurrent task for the same conversationId beyond what the gate and the
// Bundler's busy/pending ordering already prevent in practice, since a
// sender can only have one open bundle or one busy slot at a time).
func (r *ActiveTaskRegistry) ShouldReply(msg *IncomingMessage, convKey ConversationKey) ReplyDecision {
	decision := r.gate.Decide(msg, convKey)
	if !decision.NeedReply {
		return decision
	}

	decision.TaskID = uuid.NewString()
	convID := BuildConversationID(msg)

	r.mu.Lock()
	r.active[convID] = &ActiveTask{
		TaskID:         decision.TaskID,
		ConversationID: convID,
		Sender:         msg.SenderID,
		StartedAt:      time.Now(),
	}
	r.reportActiveCountLocked()
	r.mu.Unlock()

	return decision
}

// GetActiveTaskCount returns the number of non-cancelled ActiveTasks for a
// conversationId (0 or 1).
func (r *ActiveTaskRegistry) GetActiveTaskCount(convID ConversationID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.active[convID]
	if ok && !task.Cancelled {
		return 1
	}
	return 0
}

// CompleteTask releases the conversationId's slot for a finished task and
// returns the next synthesized message to process, if SetNextMessage was
// called for this sender before completion fired.
func (r *ActiveTaskRegistry) CompleteTask(sender, taskID string) *IncomingMessage {
	r.mu.Lock()
	var convID ConversationID
	for k, t := range r.active {
		if t.TaskID == taskID {
			convID = k
			break
		}
	}
	if convID != "" {
		delete(r.active, convID)
	}
	next := r.nextFn[taskID]
	delete(r.nextFn, taskID)
	r.reportActiveCountLocked()
	r.mu.Unlock()

	if next != nil {
		return next()
	}
	return nil
}

// SetNextMessage registers a callback CompleteTask will invoke once, to
// supply a queued message for immediate re-dispatch (used when the Bundler
// drains PendingMessages at completion time).
func (r *ActiveTaskRegistry) SetNextMessage(taskID string, fn func() *IncomingMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFn[taskID] = fn
}

// MarkTasksCancelledForSender flags every ActiveTask belonging to sender as
// cancelled (used by Intervention Logic's "change of mind" handling).
func (r *ActiveTaskRegistry) MarkTasksCancelledForSender(sender string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.active {
		if t.Sender == sender {
			t.Cancelled = true
			r.cancelled[t.TaskID] = true
		}
	}
}

// IsTaskCancelled reports whether taskID has been marked cancelled.
// Cancellation observation is monotonic: once true, it remains true until
// ClearCancelledTask is called.
func (r *ActiveTaskRegistry) IsTaskCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[taskID]
}

// ClearCancelledTask clears the cancellation flag for a taskID, called from
// Turn Pipeline cleanup so the id can be reused safely (it won't be, since
// ids are UUIDs, but this also frees the map entry).
func (r *ActiveTaskRegistry) ClearCancelledTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, taskID)
}
