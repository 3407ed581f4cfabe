// Package socket implements the glue between inbound adapter frames and the
// orchestration core. It is the one place that wires the Bundler's sealed
// output into the reply-policy gate and the Turn Pipeline, since nothing
// upstream of it owns that connection — the Bundler only coalesces, the
// ActiveTaskRegistry only admits, and the TurnPipeline only runs once
// admitted.
package socket

import (
	"context"
	"log/slog"

	"github.com/sentra/agent/internal/observability"
	"github.com/sentra/agent/internal/orchestrator"
)

// HistoryObserver appends a raw inbound message to the history store ahead
// of turn completion. Distinct from orchestrator.HistoryRecorder.SavePair,
// which persists a finalized assistant pair once a Turn completes.
type HistoryObserver interface {
	RecordInbound(ctx context.Context, convKey, senderID, text string) error
}

// PersonaObserver feeds a new inbound message into the persona store's
// background update cadence. Best-effort: failures are logged, never block
// dispatch.
type PersonaObserver interface {
	ObserveMessage(ctx context.Context, senderID, text string) error
}

// EmotionObserver feeds a new inbound message into the emotion-analytics
// sidecar's running signal.
type EmotionObserver interface {
	ObserveMessage(ctx context.Context, senderID, text string) error
}

// Dispatcher owns the Bundler this process uses and reacts to every sealed
// bundle by running the gate and, if admitted, a Turn. Construction is
// two-phase: NewDispatcher builds the Bundler (which needs a seal callback
// bound to this Dispatcher) before a TurnPipeline exists, since the
// TurnPipeline itself needs a reference to that same Bundler. Callers wire
// the pipeline and intervention logic in afterward via SetPipeline /
// SetIntervention.
type Dispatcher struct {
	bundler      *orchestrator.Bundler
	tasks        *orchestrator.ActiveTaskRegistry
	pipeline     *orchestrator.TurnPipeline
	intervention *orchestrator.InterventionLogic

	history HistoryObserver
	persona PersonaObserver
	emotion EmotionObserver

	logger  *slog.Logger
	metrics *observability.Metrics
}

// SetMetrics wires optional Prometheus recording for gate decisions. Nil is
// valid and skips recording entirely.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) { d.metrics = m }

// NewDispatcher creates a Dispatcher and its Bundler. Call Bundler() to
// retrieve it for PipelineConfig.Bundler, then SetPipeline once the
// TurnPipeline exists.
func NewDispatcher(bundlerCfg orchestrator.BundlerConfig, tasks *orchestrator.ActiveTaskRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{tasks: tasks, logger: logger.With("component", "socket-dispatcher")}
	d.bundler = orchestrator.NewBundler(bundlerCfg, d.onBundleSealed, d.logger)
	return d
}

// Bundler returns the Dispatcher's Bundler, for wiring into PipelineConfig.
func (d *Dispatcher) Bundler() *orchestrator.Bundler { return d.bundler }

// SetPipeline wires the TurnPipeline a sealed, admitted bundle runs
// through. Must be called before HandleMessage is driven.
func (d *Dispatcher) SetPipeline(p *orchestrator.TurnPipeline) { d.pipeline = p }

// SetIntervention wires the change-of-mind classifier. Nil is valid:
// intervention detection is then skipped entirely.
func (d *Dispatcher) SetIntervention(i *orchestrator.InterventionLogic) { d.intervention = i }

// SetHistoryObserver wires the optional raw-message history recorder.
func (d *Dispatcher) SetHistoryObserver(h HistoryObserver) { d.history = h }

// SetPersonaObserver wires the optional persona update feed.
func (d *Dispatcher) SetPersonaObserver(p PersonaObserver) { d.persona = p }

// SetEmotionObserver wires the optional emotion-analytics update feed.
func (d *Dispatcher) SetEmotionObserver(e EmotionObserver) { d.emotion = e }

// HandleMessage implements transport.MessageHandler: the entry point for
// every inbound "message" frame. welcome/pong/shutdown/result frames are
// bookkeeping-only and are already absorbed by the transport layer itself
// before they would ever reach here.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *orchestrator.IncomingMessage) {
	convKey := orchestrator.BuildConversationKey(msg)

	if d.intervention != nil {
		d.intervention.Handle(ctx, msg, convKey)
	}

	if d.history != nil {
		if err := d.history.RecordInbound(ctx, string(convKey), msg.SenderID, msg.Text); err != nil {
			d.logger.Warn("record inbound history failed", "sender", msg.SenderID, "error", err)
		}
	}
	if d.persona != nil {
		if err := d.persona.ObserveMessage(ctx, msg.SenderID, msg.Text); err != nil {
			d.logger.Warn("persona observation failed", "sender", msg.SenderID, "error", err)
		}
	}
	if d.emotion != nil {
		if err := d.emotion.ObserveMessage(ctx, msg.SenderID, msg.Text); err != nil {
			d.logger.Warn("emotion observation failed", "sender", msg.SenderID, "error", err)
		}
	}

	// Bundler.Enqueue implements the remaining three-way branch itself:
	// append to an open bundle, buffer as pending while busy, or open a new
	// bundle and start its watcher.
	d.bundler.Enqueue(ctx, msg.SenderID, msg)
}

// onBundleSealed is the Bundler's onSeal callback: apply the reply-policy
// gate, and if admitted, mark the sender busy and run a Turn.
func (d *Dispatcher) onBundleSealed(ctx context.Context, convKey orchestrator.ConversationKey, bundled *orchestrator.IncomingMessage) {
	decision := d.tasks.ShouldReply(bundled, convKey)
	observability.EmitGateDecision(&observability.GateDecisionEvent{
		ConvKey:   string(convKey),
		TaskID:    decision.TaskID,
		Mandatory: decision.Mandatory,
		Score:     decision.Probability,
		Threshold: decision.Threshold,
		NeedReply: decision.NeedReply,
	})
	if d.metrics != nil {
		outcome := "skip"
		if decision.NeedReply {
			outcome = "mandatory"
			if !decision.Mandatory {
				outcome = "admitted"
			}
		}
		d.metrics.RecordGateDecision(outcome)
	}
	if !decision.NeedReply {
		return
	}
	if d.pipeline == nil {
		d.logger.Error("bundle admitted before pipeline was wired, dropping", "task_id", decision.TaskID)
		return
	}

	d.bundler.MarkBusy(bundled.SenderID, true)
	go d.runTurn(ctx, bundled.SenderID, convKey, bundled, decision.TaskID)
}

func (d *Dispatcher) runTurn(ctx context.Context, sender string, convKey orchestrator.ConversationKey, bundle *orchestrator.IncomingMessage, taskID string) {
	defer d.bundler.MarkBusy(sender, false)
	d.pipeline.Run(ctx, sender, convKey, bundle, taskID)
}
