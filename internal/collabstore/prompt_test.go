package collabstore

import (
	"context"
	"testing"

	"github.com/sentra/agent/internal/collab"
	"github.com/sentra/agent/internal/templates"
)

func newTestRegistry(t *testing.T) *templates.Registry {
	t.Helper()
	registry, err := templates.NewRegistry(nil, t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}

func TestRegistryPromptEngineExpandsKnownTemplate(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(&templates.AgentTemplate{
		Name:        "sentra-router",
		Description: "routes to the right specialist",
		Content:     "you are the router",
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	engine := NewRegistryPromptEngine(registry)
	content, err := engine.ExpandSystemTemplate(context.Background(), collab.TemplateRouter)
	if err != nil {
		t.Fatalf("ExpandSystemTemplate() error = %v", err)
	}
	if content != "you are the router" {
		t.Fatalf("expected router template content, got %q", content)
	}
}

func TestRegistryPromptEngineDegradesWhenTemplateMissing(t *testing.T) {
	registry := newTestRegistry(t)
	engine := NewRegistryPromptEngine(registry)

	content, err := engine.ExpandSystemTemplate(context.Background(), collab.TemplateToolsOnly)
	if err != nil {
		t.Fatalf("ExpandSystemTemplate() error = %v", err)
	}
	if content != "" {
		t.Fatalf("expected empty content when template is not registered, got %q", content)
	}
}
