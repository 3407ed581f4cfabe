package collabstore

import (
	"context"
	"testing"

	"github.com/sentra/agent/internal/orchestrator"
)

func TestHistoryStoreSavePairThenRecentPairs(t *testing.T) {
	dir := t.TempDir()
	store := NewHistoryStore(dir)
	ctx := context.Background()
	convKey := orchestrator.ConversationKey("conv-1")

	if err := store.SavePair(ctx, convKey, orchestrator.Turn{UserXML: "<u>hi</u>", AssistantXML: "<a>hello</a>"}); err != nil {
		t.Fatalf("SavePair() error = %v", err)
	}
	if err := store.SavePair(ctx, convKey, orchestrator.Turn{UserXML: "<u>bye</u>", AssistantXML: "<a>see ya</a>"}); err != nil {
		t.Fatalf("SavePair() error = %v", err)
	}

	msgs, err := store.RecentPairs(ctx, string(convKey), 1)
	if err != nil {
		t.Fatalf("RecentPairs() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (1 pair), got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "<u>bye</u>" {
		t.Fatalf("expected most recent pair's user message first, got %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "<a>see ya</a>" {
		t.Fatalf("expected most recent pair's assistant message second, got %+v", msgs[1])
	}
}

func TestHistoryStoreRecentPairsEmptyWhenUnseen(t *testing.T) {
	dir := t.TempDir()
	store := NewHistoryStore(dir)

	msgs, err := store.RecentPairs(context.Background(), "never-seen", 5)
	if err != nil {
		t.Fatalf("RecentPairs() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %+v", msgs)
	}
}

func TestHistoryStoreRecordInboundPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewHistoryStore(dir)
	if err := store.RecordInbound(ctx, "conv-2", "user-7", "first message"); err != nil {
		t.Fatalf("RecordInbound() error = %v", err)
	}

	reopened := NewHistoryStore(dir)
	if err := reopened.RecordInbound(ctx, "conv-2", "user-7", "second message"); err != nil {
		t.Fatalf("RecordInbound() error = %v", err)
	}

	f, err := reopened.loadLocked("conv-2")
	if err != nil {
		t.Fatalf("loadLocked() error = %v", err)
	}
	if len(f.Inbound) != 2 {
		t.Fatalf("expected 2 inbound entries, got %d", len(f.Inbound))
	}
}
