package collabstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sentra/agent/internal/collab"
)

type presetData struct {
	Version      int                 `json:"version"`
	PresetXML    string              `json:"presetXml"`
	BaseTemplate collab.TemplateKind `json:"baseTemplate"`
}

// PresetStore is a file-backed implementation of collab.PresetStore: a
// single JSON file holding the bot-wide persona/preset description and the
// currently selected base system template. Unlike PersonaStore (per-sender)
// this is one global record, reloaded from disk on every read so an
// operator edit takes effect without a restart — the same "read fresh,
// never cache across calls" approach internal/config.LoadRaw uses for the
// YAML config file.
type PresetStore struct {
	path string
	mu   sync.Mutex
}

// NewPresetStore creates a store backed by the JSON file at path.
func NewPresetStore(path string) *PresetStore {
	return &PresetStore{path: path}
}

func (s *PresetStore) load() (*presetData, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &presetData{Version: 1, BaseTemplate: collab.TemplateAuto}, nil
	}
	if err != nil {
		return nil, err
	}
	var d presetData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode preset file: %w", err)
	}
	if d.BaseTemplate == "" {
		d.BaseTemplate = collab.TemplateAuto
	}
	return &d, nil
}

// PresetXML implements collab.PresetStore.
func (s *PresetStore) PresetXML(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.load()
	if err != nil {
		return "", err
	}
	return d.PresetXML, nil
}

// BaseTemplate implements collab.PresetStore.
func (s *PresetStore) BaseTemplate(ctx context.Context) (collab.TemplateKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.load()
	if err != nil {
		return "", err
	}
	return d.BaseTemplate, nil
}

// Update overwrites the preset record atomically.
func (s *PresetStore) Update(ctx context.Context, presetXML string, baseTemplate collab.TemplateKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &presetData{Version: 1, PresetXML: presetXML, BaseTemplate: baseTemplate}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preset file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create preset dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write preset file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
