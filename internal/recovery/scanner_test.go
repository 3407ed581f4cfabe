package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentra/agent/internal/orchestrator"
)

var errRecoveryFailed = errors.New("recovery attempt failed")

type fakeActiveTasks struct {
	busy map[orchestrator.ConversationID]int
}

func (f *fakeActiveTasks) GetActiveTaskCount(convID orchestrator.ConversationID) int {
	return f.busy[convID]
}

func writeRecord(t *testing.T, dir string, record orchestrator.TaskRecoveryRecord) string {
	t.Helper()
	path := filepath.Join(dir, record.TaskID+".json")
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write record: %v", err)
	}
	return path
}

func TestScannerDeletesArtifactsOnSuccessfulRecovery(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, orchestrator.TaskRecoveryRecord{
		TaskID: "task-1",
		UserID: "user-1",
		Reason: "finish the report",
	})
	mdPath := filepath.Join(dir, "task-1.md")
	if err := os.WriteFile(mdPath, []byte("notes"), 0600); err != nil {
		t.Fatalf("write sibling md: %v", err)
	}

	tasks := &fakeActiveTasks{busy: map[orchestrator.ConversationID]int{}}
	scanner := NewScanner(DefaultConfig(dir), tasks, func(ctx context.Context, msg *orchestrator.IncomingMessage) error {
		if !msg.Proactive {
			t.Fatalf("expected synthesized message to be Proactive")
		}
		if !msg.DisablePreReply {
			t.Fatalf("expected synthesized message to disable pre-reply")
		}
		return nil
	})

	scanner.scanOnce(context.Background())
	scanner.drainOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected json artifact to be deleted, stat err = %v", err)
	}
	if _, err := os.Stat(mdPath); !os.IsNotExist(err) {
		t.Fatalf("expected md artifact to be deleted, stat err = %v", err)
	}
}

func TestScannerSkipsConversationWithActiveTask(t *testing.T) {
	dir := t.TempDir()
	record := orchestrator.TaskRecoveryRecord{TaskID: "task-2", UserID: "user-2", Reason: "still busy"}
	path := writeRecord(t, dir, record)

	convID := orchestrator.BuildConversationID(synthesizeMessage(&record))
	tasks := &fakeActiveTasks{busy: map[orchestrator.ConversationID]int{convID: 1}}

	called := false
	scanner := NewScanner(DefaultConfig(dir), tasks, func(ctx context.Context, msg *orchestrator.IncomingMessage) error {
		called = true
		return nil
	})

	scanner.scanOnce(context.Background())
	scanner.drainOnce(context.Background())

	if called {
		t.Fatalf("expected recovery to be skipped while a task is active")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected json artifact to remain, stat err = %v", err)
	}
}

func TestScannerGivesUpAfterMaxFailureAttempts(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, orchestrator.TaskRecoveryRecord{
		TaskID:        "task-3",
		UserID:        "user-3",
		Reason:        "keeps failing",
		RecoveryCount: 2,
	})

	cfg := DefaultConfig(dir)
	cfg.MaxFailureAttempts = 3
	tasks := &fakeActiveTasks{busy: map[orchestrator.ConversationID]int{}}
	scanner := NewScanner(cfg, tasks, func(ctx context.Context, msg *orchestrator.IncomingMessage) error {
		return errRecoveryFailed
	})

	scanner.scanOnce(context.Background())
	scanner.drainOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact to be deleted after exhausting attempts, stat err = %v", err)
	}
}

func TestScannerPersistsFailureCountBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, orchestrator.TaskRecoveryRecord{
		TaskID: "task-4",
		UserID: "user-4",
		Reason: "transient failure",
	})

	tasks := &fakeActiveTasks{busy: map[orchestrator.ConversationID]int{}}
	scanner := NewScanner(DefaultConfig(dir), tasks, func(ctx context.Context, msg *orchestrator.IncomingMessage) error {
		return errRecoveryFailed
	})

	scanner.scanOnce(context.Background())
	scanner.drainOnce(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected artifact to remain, read err = %v", err)
	}
	var updated orchestrator.TaskRecoveryRecord
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal updated record: %v", err)
	}
	if updated.RecoveryCount != 1 {
		t.Fatalf("expected RecoveryCount = 1, got %d", updated.RecoveryCount)
	}
	if updated.LastRecoveryAt == nil {
		t.Fatalf("expected LastRecoveryAt to be set")
	}
	if time.Since(*updated.LastRecoveryAt) > time.Minute {
		t.Fatalf("expected LastRecoveryAt to be recent, got %v", updated.LastRecoveryAt)
	}
}
