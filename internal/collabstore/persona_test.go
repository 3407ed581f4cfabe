package collabstore

import (
	"context"
	"strings"
	"testing"
)

func TestPersonaStoreObserveThenXML(t *testing.T) {
	dir := t.TempDir()
	store := NewPersonaStore(dir)
	ctx := context.Background()

	if err := store.ObserveMessage(ctx, "user-1", "likes cats"); err != nil {
		t.Fatalf("ObserveMessage() error = %v", err)
	}
	if err := store.ObserveMessage(ctx, "user-1", "dislikes mornings"); err != nil {
		t.Fatalf("ObserveMessage() error = %v", err)
	}

	xml, err := store.PersonaXML(ctx, "user-1")
	if err != nil {
		t.Fatalf("PersonaXML() error = %v", err)
	}
	if !strings.Contains(xml, "likes cats") || !strings.Contains(xml, "dislikes mornings") {
		t.Fatalf("expected both samples in persona XML, got %q", xml)
	}
}

func TestPersonaStoreBlankMessagesIgnored(t *testing.T) {
	dir := t.TempDir()
	store := NewPersonaStore(dir)
	ctx := context.Background()

	if err := store.ObserveMessage(ctx, "user-2", "   "); err != nil {
		t.Fatalf("ObserveMessage() error = %v", err)
	}

	xml, err := store.PersonaXML(ctx, "user-2")
	if err != nil {
		t.Fatalf("PersonaXML() error = %v", err)
	}
	if xml != "" {
		t.Fatalf("expected empty persona XML for unseen sender, got %q", xml)
	}
}

func TestPersonaStoreTrimsToCap(t *testing.T) {
	dir := t.TempDir()
	store := NewPersonaStore(dir)
	ctx := context.Background()

	for i := 0; i < maxPersonaSamples+10; i++ {
		if err := store.ObserveMessage(ctx, "user-3", "sample"); err != nil {
			t.Fatalf("ObserveMessage() error = %v", err)
		}
	}

	f, err := store.loadLocked("user-3")
	if err != nil {
		t.Fatalf("loadLocked() error = %v", err)
	}
	if len(f.Samples) != maxPersonaSamples {
		t.Fatalf("expected samples trimmed to %d, got %d", maxPersonaSamples, len(f.Samples))
	}
}
