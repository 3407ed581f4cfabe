package collabstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sentra/agent/internal/collab"
)

func TestPresetStoreDefaultsWhenUnset(t *testing.T) {
	store := NewPresetStore(filepath.Join(t.TempDir(), "preset.json"))
	ctx := context.Background()

	xml, err := store.PresetXML(ctx)
	if err != nil {
		t.Fatalf("PresetXML() error = %v", err)
	}
	if xml != "" {
		t.Fatalf("expected empty preset XML before any Update, got %q", xml)
	}

	kind, err := store.BaseTemplate(ctx)
	if err != nil {
		t.Fatalf("BaseTemplate() error = %v", err)
	}
	if kind != collab.TemplateAuto {
		t.Fatalf("expected default base template %q, got %q", collab.TemplateAuto, kind)
	}
}

func TestPresetStoreUpdateThenReadsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preset.json")
	writer := NewPresetStore(path)
	ctx := context.Background()

	if err := writer.Update(ctx, "<preset>grumpy cat</preset>", collab.TemplateRouter); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	reader := NewPresetStore(path)
	xml, err := reader.PresetXML(ctx)
	if err != nil {
		t.Fatalf("PresetXML() error = %v", err)
	}
	if xml != "<preset>grumpy cat</preset>" {
		t.Fatalf("expected updated preset XML visible to a fresh store, got %q", xml)
	}

	kind, err := reader.BaseTemplate(ctx)
	if err != nil {
		t.Fatalf("BaseTemplate() error = %v", err)
	}
	if kind != collab.TemplateRouter {
		t.Fatalf("expected base template %q, got %q", collab.TemplateRouter, kind)
	}
}
