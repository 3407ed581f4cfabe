package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentra/agent/internal/observability"
)

// InterventionClassification is the outcome of the lightweight LLM
// classifier: whether the inbound message overrides the sender's in-flight
// work, and the cutoff timestamp cancellation should use.
type InterventionClassification struct {
	OverrideIntent bool
	CutoffTs       time.Time
}

// InterventionClassifier is the narrow LLM-backed classifier interface.
// Implemented by internal/llm.
type InterventionClassifier interface {
	Classify(ctx context.Context, msg *IncomingMessage) (InterventionClassification, error)
}

// InterventionLogic detects a sender's "change of mind" mid-turn and
// performs targeted cancellation scoped to (sender, convKey).
type InterventionLogic struct {
	classifier InterventionClassifier
	tasks      *ActiveTaskRegistry
	runs       *RunRegistry
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewInterventionLogic wires the classifier to the registries it acts on.
func NewInterventionLogic(classifier InterventionClassifier, tasks *ActiveTaskRegistry, runs *RunRegistry, logger *slog.Logger) *InterventionLogic {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterventionLogic{classifier: classifier, tasks: tasks, runs: runs, logger: logger}
}

// SetMetrics wires optional Prometheus recording for applied interventions.
// Nil is valid and skips recording entirely.
func (l *InterventionLogic) SetMetrics(m *observability.Metrics) { l.metrics = m }

// Handle classifies msg and, if override intent fires, cancels the
// sender's active tasks and in-flight runs in convKey before returning.
// The caller is expected to process msg normally afterward (it may itself
// be a reply-worthy turn).
func (l *InterventionLogic) Handle(ctx context.Context, msg *IncomingMessage, convKey ConversationKey) {
	classification, err := l.classifier.Classify(ctx, msg)
	if err != nil {
		l.logger.Warn("intervention classification failed", "sender", msg.SenderID, "error", err)
		return
	}
	if !classification.OverrideIntent {
		return
	}

	l.tasks.MarkTasksCancelledForSender(msg.SenderID)
	l.runs.Cancel(ctx, msg.SenderID, convKey, CancelOptions{
		Mode:     CancelDefault,
		CutoffTs: classification.CutoffTs,
	})

	observability.EmitInterventionApplied(&observability.InterventionAppliedEvent{
		ConvKey: string(convKey),
		Sender:  msg.SenderID,
		Action:  "cancel",
		Reason:  "override_intent",
	})
	if l.metrics != nil {
		l.metrics.RecordIntervention("cancel")
	}
}
