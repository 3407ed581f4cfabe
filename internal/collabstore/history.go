// Package collabstore provides concrete, file-backed implementations of the
// collaborator interfaces internal/collab declares (read-only) and
// internal/socket declares (best-effort observers). Sentra Agent does not
// mandate any particular persistence technology for these surfaces —
// history/persona/social-graph are collaborator services kept deliberately
// out of core scope — this package is one concrete choice among many,
// grounded on internal/pairing.Store's atomic JSON-file pattern: one file per key,
// written via write-temp-then-rename so a crash mid-write never corrupts an
// existing record.
package collabstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentra/agent/internal/collab"
	"github.com/sentra/agent/internal/orchestrator"
)

// maxStoredPairsPerConversation bounds the file's growth; the oldest pairs
// are trimmed once the cap is reached.
const maxStoredPairsPerConversation = 200

// maxStoredInboundEntries bounds the raw-message audit log per conversation.
const maxStoredInboundEntries = 100

type storedPair struct {
	UserXML      string    `json:"userXml"`
	AssistantXML string    `json:"assistantXml"`
	SavedAt      time.Time `json:"savedAt"`
}

type inboundEntry struct {
	SenderID   string    `json:"senderId"`
	Text       string    `json:"text"`
	RecordedAt time.Time `json:"recordedAt"`
}

type historyFile struct {
	Version int            `json:"version"`
	Pairs   []storedPair   `json:"pairs"`
	Inbound []inboundEntry `json:"inbound,omitempty"`
}

// HistoryStore is a file-backed implementation of collab.HistoryStore,
// orchestrator.HistoryRecorder, and socket.HistoryObserver, one JSON file
// per conversation key under dir.
type HistoryStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]*historyFile
}

// NewHistoryStore creates a store rooted at dir. dir is created on first
// write if it does not already exist.
func NewHistoryStore(dir string) *HistoryStore {
	return &HistoryStore{dir: dir, cache: make(map[string]*historyFile)}
}

func (s *HistoryStore) pathFor(convKey string) string {
	return filepath.Join(s.dir, sanitizeKey(convKey)+".json")
}

// loadLocked must be called with s.mu held.
func (s *HistoryStore) loadLocked(convKey string) (*historyFile, error) {
	if f, ok := s.cache[convKey]; ok {
		return f, nil
	}
	data, err := os.ReadFile(s.pathFor(convKey))
	if errors.Is(err, os.ErrNotExist) {
		f := &historyFile{Version: 1}
		s.cache[convKey] = f
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode history file for %q: %w", convKey, err)
	}
	s.cache[convKey] = &f
	return &f, nil
}

// persistLocked writes f atomically; s.mu must be held across the read of f
// and this call so a concurrent writer never interleaves.
func (s *HistoryStore) persistLocked(convKey string, f *historyFile) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history file: %w", err)
	}
	path := s.pathFor(convKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	return os.Rename(tmp, path)
}

// SavePair implements orchestrator.HistoryRecorder: persist a finalized
// conversation pair, trimming to the oldest maxStoredPairsPerConversation.
func (s *HistoryStore) SavePair(ctx context.Context, convKey orchestrator.ConversationKey, pair orchestrator.Turn) error {
	key := string(convKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	f.Pairs = append(f.Pairs, storedPair{UserXML: pair.UserXML, AssistantXML: pair.AssistantXML, SavedAt: time.Now()})
	if len(f.Pairs) > maxStoredPairsPerConversation {
		f.Pairs = f.Pairs[len(f.Pairs)-maxStoredPairsPerConversation:]
	}
	return s.persistLocked(key, f)
}

// RecentPairs implements collab.HistoryStore: the most recent limit pairs,
// oldest first, each expanded into a user/assistant HistoryMessage pair in
// the MCP-formatted shape the Context Assembler expects.
func (s *HistoryStore) RecentPairs(ctx context.Context, convKey string, limit int) ([]collab.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked(convKey)
	if err != nil {
		return nil, err
	}
	pairs := f.Pairs
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[len(pairs)-limit:]
	}

	messages := make([]collab.HistoryMessage, 0, len(pairs)*2)
	for _, p := range pairs {
		if p.UserXML != "" {
			messages = append(messages, collab.HistoryMessage{Role: "user", Content: p.UserXML})
		}
		if p.AssistantXML != "" {
			messages = append(messages, collab.HistoryMessage{Role: "assistant", Content: p.AssistantXML})
		}
	}
	return messages, nil
}

// RecordInbound implements socket.HistoryObserver: append a raw inbound
// message to a rolling audit log, kept separate from the structured pairs
// consumed by context assembly. This is a bookkeeping step, not itself the
// conversation-pair persistence the Turn Pipeline performs on finalize.
func (s *HistoryStore) RecordInbound(ctx context.Context, convKey, senderID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked(convKey)
	if err != nil {
		return err
	}
	f.Inbound = append(f.Inbound, inboundEntry{SenderID: senderID, Text: text, RecordedAt: time.Now()})
	if len(f.Inbound) > maxStoredInboundEntries {
		f.Inbound = f.Inbound[len(f.Inbound)-maxStoredInboundEntries:]
	}
	return s.persistLocked(convKey, f)
}

func sanitizeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(key)
}
