// Package recovery implements a task-recovery scheduler: a periodic scan
// of the on-disk taskData/ journal for unfinished tasks,
// synthesizing a proactive IncomingMessage and feeding it back through the
// Turn Pipeline, with atomic write-temp-then-rename journal updates (the
// same pattern internal/pairing.Store.writeStore uses for its JSON store)
// and single-flight serialization so two scan ticks never race the same
// record.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentra/agent/internal/observability"
	"github.com/sentra/agent/internal/orchestrator"
)

// ActiveTaskCounter is the narrow admission check: a candidate with a
// live task for its conversation is skipped this pass.
type ActiveTaskCounter interface {
	GetActiveTaskCount(convID orchestrator.ConversationID) int
}

// RunRecovery drives the synthesized IncomingMessage through the Turn
// Pipeline and reports whether the recovery attempt succeeded.
type RunRecovery func(ctx context.Context, msg *orchestrator.IncomingMessage) error

// Config tunes scan cadence and the failure-retirement policy.
type Config struct {
	Root               string        // e.g. "taskData/"
	ScanInterval       time.Duration
	MaxFailureAttempts int           // TASK_RECOVERY_MAX_FAILURE_ATTEMPTS
	FileTTL            time.Duration // TASK_RECOVERY_FILE_TTL_HOURS

	Logger *slog.Logger
}

// DefaultConfig returns sensible scan defaults.
func DefaultConfig(root string) Config {
	return Config{
		Root:               root,
		ScanInterval:       30 * time.Second,
		MaxFailureAttempts: 3,
		FileTTL:            72 * time.Hour,
	}
}

// Scanner periodically scans the recovery journal and drains recoverable
// tasks back through the Turn Pipeline.
type Scanner struct {
	cfg     Config
	tasks   ActiveTaskCounter
	runOne  RunRecovery
	logger  *slog.Logger
	metrics *observability.Metrics

	queue chan *orchestrator.TaskRecoveryRecord
}

// SetMetrics wires optional Prometheus recording for recovery attempts.
// Nil is valid and skips recording entirely.
func (s *Scanner) SetMetrics(m *observability.Metrics) { s.metrics = m }

// NewScanner wires the active-task admission check and the recovery runner.
func NewScanner(cfg Config, tasks ActiveTaskCounter, runOne RunRecovery) *Scanner {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.MaxFailureAttempts <= 0 {
		cfg.MaxFailureAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		tasks:  tasks,
		runOne: runOne,
		logger: logger.With("component", "task-recovery"),
		// Buffered enough that a scan tick never blocks on a slow drain;
		// the drain loop below yields between records rather than batching.
		queue: make(chan *orchestrator.TaskRecoveryRecord, 256),
	}
}

// Run starts the periodic scan and the single-flight drain loop. It blocks
// until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	go s.drainLoop(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce walks the journal root, enqueuing every isComplete=false record
// not already admitted-busy for its conversation.
func (s *Scanner) scanOnce(ctx context.Context) {
	err := filepath.WalkDir(s.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		record, rerr := loadRecord(path)
		if rerr != nil {
			s.logger.Warn("failed to load recovery record", "path", path, "error", rerr)
			return nil
		}
		if record.IsComplete {
			return nil
		}

		convID := orchestrator.BuildConversationID(synthesizeMessage(record))
		if s.tasks != nil && s.tasks.GetActiveTaskCount(convID) > 0 {
			return nil // skip, a live task already owns this conversation
		}

		select {
		case s.queue <- record:
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.logger.Warn("recovery queue full, will retry next scan", "task_id", record.TaskID)
		}
		return nil
	})
	if err != nil && err != context.Canceled {
		s.logger.Error("recovery scan failed", "root", s.cfg.Root, "error", err)
	}
}

// drainLoop is the process-wide single-flight serializer: one record
// processed at a time, yielding between records so the scan goroutine can
// keep enqueuing concurrently.
func (s *Scanner) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-s.queue:
			s.process(ctx, record)
			// Yield so a burst of enqueued records doesn't starve other
			// goroutines sharing this process.
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// drainOnce processes every record currently queued without blocking for
// more; exported for tests that want synchronous, deterministic draining
// instead of racing the background drainLoop goroutine.
func (s *Scanner) drainOnce(ctx context.Context) {
	for {
		select {
		case record := <-s.queue:
			s.process(ctx, record)
		default:
			return
		}
	}
}

func (s *Scanner) process(ctx context.Context, record *orchestrator.TaskRecoveryRecord) {
	msg := synthesizeMessage(record)

	err := s.runOne(ctx, msg)
	if err == nil {
		s.emitRecoveryOutcome(record, "success", "")
		s.deleteArtifacts(record)
		return
	}

	s.logger.Warn("recovery attempt failed", "task_id", record.TaskID, "error", err)
	record.RecoveryCount++
	now := time.Now()
	record.LastRecoveryAt = &now
	record.LastRecoveryStat = err.Error()

	if record.RecoveryCount >= s.cfg.MaxFailureAttempts {
		s.logger.Warn("recovery giving up", "task_id", record.TaskID, "attempts", record.RecoveryCount)
		s.emitRecoveryOutcome(record, "abandoned", err.Error())
		s.deleteArtifacts(record)
		return
	}

	s.emitRecoveryOutcome(record, "retry", err.Error())
	if werr := saveRecord(record); werr != nil {
		// Persisting the updated counter itself failed: delete rather than
		// leave a stuck record that can never be retired.
		s.logger.Error("failed to persist recovery counter, deleting to avoid stuck record", "task_id", record.TaskID, "error", werr)
		s.deleteArtifacts(record)
	}
}

func (s *Scanner) emitRecoveryOutcome(record *orchestrator.TaskRecoveryRecord, outcome, errText string) {
	observability.EmitRecoveryAttempt(&observability.RecoveryAttemptEvent{
		TaskID:  record.TaskID,
		Attempt: record.RecoveryCount + 1,
		Outcome: outcome,
		Error:   errText,
	})
	if s.metrics != nil {
		s.metrics.RecordRecoveryAttempt(outcome)
	}
}

// synthesizeMessage builds the proactive IncomingMessage that carries a
// stalled task's recovery attempt back through the pipeline.
func synthesizeMessage(record *orchestrator.TaskRecoveryRecord) *orchestrator.IncomingMessage {
	reason := record.Summary
	if reason == "" {
		reason = record.Reason
	}
	directive := fmt.Sprintf("<sentra-recovery task=%q attempt=%d>%s</sentra-recovery>", record.TaskID, record.RecoveryCount+1, reason)

	return &orchestrator.IncomingMessage{
		Type:                   messageType(record),
		SenderID:               record.UserID,
		GroupID:                record.GroupID,
		Text:                   reason,
		Proactive:              true,
		TaskRecoveryAttempt:    record.RecoveryCount + 1,
		DisablePreReply:        true,
		SentraRootDirectiveXML: directive,
	}
}

func messageType(record *orchestrator.TaskRecoveryRecord) orchestrator.MessageType {
	if record.GroupID != "" {
		return orchestrator.MessageGroup
	}
	return orchestrator.MessagePrivate
}

func loadRecord(path string) (*orchestrator.TaskRecoveryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record orchestrator.TaskRecoveryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	record.Path = path
	return &record, nil
}

// saveRecord persists record atomically: write to a temp file in the same
// directory, then rename over the original, so a crash mid-write never
// leaves a truncated journal entry.
func saveRecord(record *orchestrator.TaskRecoveryRecord) error {
	if record.Path == "" {
		return fmt.Errorf("recovery record has no path")
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal recovery record: %w", err)
	}
	tmp := record.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write recovery record: %w", err)
	}
	return os.Rename(tmp, record.Path)
}

// deleteArtifacts removes the record's .json and any sibling .md
// artifact.
func (s *Scanner) deleteArtifacts(record *orchestrator.TaskRecoveryRecord) {
	if record.Path == "" {
		return
	}
	if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete recovery json artifact", "path", record.Path, "error", err)
	}
	_ = os.Remove(strings.TrimSuffix(record.Path, ".json") + ".tmp")

	mdPath := strings.TrimSuffix(record.Path, ".json") + ".md"
	if err := os.Remove(mdPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete recovery md artifact", "path", mdPath, "error", err)
	}
}
