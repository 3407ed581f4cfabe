package collabstore

import (
	"context"
	"fmt"

	"github.com/sentra/agent/internal/collab"
	"github.com/sentra/agent/internal/templates"
)

// TemplateKindNames maps a base-template selector to the hot-reloadable
// template names internal/templates.Registry discovers. A deployment that
// wants different base prompts per kind simply registers templates under
// these names; this adapter does no rendering of its own beyond that
// lookup.
var TemplateKindNames = map[collab.TemplateKind]string{
	collab.TemplateAuto:         "sentra-auto",
	collab.TemplateRouter:       "sentra-router",
	collab.TemplateResponseOnly: "sentra-response-only",
	collab.TemplateToolsOnly:    "sentra-tools-only",
}

// RegistryPromptEngine adapts internal/templates.Registry's hot-reloadable
// template discovery/watch system into collab.PromptEngine: the base
// system template the Preset Store selects among is just another
// discovered template's Content, looked up by name.
type RegistryPromptEngine struct {
	registry *templates.Registry
}

// NewRegistryPromptEngine wraps an already-discovered (and optionally
// watching) Registry.
func NewRegistryPromptEngine(registry *templates.Registry) *RegistryPromptEngine {
	return &RegistryPromptEngine{registry: registry}
}

// ExpandSystemTemplate implements collab.PromptEngine.
func (e *RegistryPromptEngine) ExpandSystemTemplate(ctx context.Context, kind collab.TemplateKind) (string, error) {
	name, ok := TemplateKindNames[kind]
	if !ok {
		name = TemplateKindNames[collab.TemplateAuto]
	}

	if _, found := e.registry.Get(name); !found {
		return "", nil // degrade to omission; ContextAssembler treats "" as absent
	}
	content, err := e.registry.LoadContent(name)
	if err != nil {
		return "", fmt.Errorf("load base template %q: %w", name, err)
	}
	return content, nil
}
