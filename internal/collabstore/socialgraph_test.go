package collabstore

import (
	"context"
	"testing"

	"github.com/sentra/agent/internal/collab"
)

func TestSocialGraphStoreLookupUnknownReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store := NewSocialGraphStore(dir)

	entry, err := store.Lookup(context.Background(), "user-1", "group-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry for unknown sender, got %+v", entry)
	}
}

func TestSocialGraphStoreUpsertThenLookup(t *testing.T) {
	dir := t.TempDir()
	store := NewSocialGraphStore(dir)
	ctx := context.Background()

	want := collab.SocialGraphEntry{UserID: "user-2", GroupID: "group-1", Relation: "friendly"}
	if err := store.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := store.Lookup(ctx, "user-2", "group-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got == nil || got.Relation != "friendly" {
		t.Fatalf("expected standing %q, got %+v", want.Relation, got)
	}
}

func TestSocialGraphStorePrivateConversationsUseSeparateFile(t *testing.T) {
	dir := t.TempDir()
	store := NewSocialGraphStore(dir)
	ctx := context.Background()

	if err := store.Upsert(ctx, collab.SocialGraphEntry{UserID: "user-3", GroupID: "", Relation: "neutral"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := store.Lookup(ctx, "user-3", "")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got == nil || got.Relation != "neutral" {
		t.Fatalf("expected private entry to round-trip, got %+v", got)
	}

	fromGroup, err := store.Lookup(ctx, "user-3", "some-group")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if fromGroup != nil {
		t.Fatalf("expected private entry not visible under a different group, got %+v", fromGroup)
	}
}
