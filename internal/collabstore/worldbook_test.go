package collabstore

import (
	"context"
	"testing"
)

func TestWorldbookStoreUpdateThenXML(t *testing.T) {
	dir := t.TempDir()
	store := NewWorldbookStore(dir)
	ctx := context.Background()

	if err := store.Update(ctx, "conv-1", "<world>lore</world>"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	xml, err := store.WorldbookXML(ctx, "conv-1")
	if err != nil {
		t.Fatalf("WorldbookXML() error = %v", err)
	}
	if xml != "<world>lore</world>" {
		t.Fatalf("expected persisted worldbook XML, got %q", xml)
	}
}

func TestWorldbookStoreUnknownConversationIsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewWorldbookStore(dir)

	xml, err := store.WorldbookXML(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("WorldbookXML() error = %v", err)
	}
	if xml != "" {
		t.Fatalf("expected empty string for unseen conversation, got %q", xml)
	}
}

func TestContextMemoryStoreUpdateThenXML(t *testing.T) {
	dir := t.TempDir()
	store := NewContextMemoryStore(dir)
	ctx := context.Background()

	if err := store.Update(ctx, "conv-1", "<daily>summary</daily>"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	xml, err := store.DailyContextXML(ctx, "conv-1")
	if err != nil {
		t.Fatalf("DailyContextXML() error = %v", err)
	}
	if xml != "<daily>summary</daily>" {
		t.Fatalf("expected persisted digest, got %q", xml)
	}
}

func TestContextMemoryStoreUnknownConversationIsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewContextMemoryStore(dir)

	xml, err := store.DailyContextXML(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("DailyContextXML() error = %v", err)
	}
	if xml != "" {
		t.Fatalf("expected empty string for unseen conversation, got %q", xml)
	}
}
