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

type socialGraphFile struct {
	Version int                                `json:"version"`
	Entries map[string]collab.SocialGraphEntry `json:"entries"` // keyed by senderId
}

// SocialGraphStore is a file-backed implementation of
// collab.SocialGraphStore: one JSON file per group (or "_private" for
// one-on-one chats) holding each sender's relationship standing.
type SocialGraphStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]*socialGraphFile
}

// NewSocialGraphStore creates a store rooted at dir.
func NewSocialGraphStore(dir string) *SocialGraphStore {
	return &SocialGraphStore{dir: dir, cache: make(map[string]*socialGraphFile)}
}

func (s *SocialGraphStore) groupFileKey(groupID string) string {
	if groupID == "" {
		return "_private"
	}
	return groupID
}

func (s *SocialGraphStore) pathFor(groupID string) string {
	return filepath.Join(s.dir, sanitizeKey(s.groupFileKey(groupID))+".json")
}

func (s *SocialGraphStore) loadLocked(groupID string) (*socialGraphFile, error) {
	key := s.groupFileKey(groupID)
	if f, ok := s.cache[key]; ok {
		return f, nil
	}
	data, err := os.ReadFile(s.pathFor(groupID))
	if errors.Is(err, os.ErrNotExist) {
		f := &socialGraphFile{Version: 1, Entries: map[string]collab.SocialGraphEntry{}}
		s.cache[key] = f
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	var f socialGraphFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode social graph file for %q: %w", groupID, err)
	}
	if f.Entries == nil {
		f.Entries = map[string]collab.SocialGraphEntry{}
	}
	s.cache[key] = &f
	return &f, nil
}

func (s *SocialGraphStore) persistLocked(groupID string, f *socialGraphFile) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create social graph dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal social graph file: %w", err)
	}
	path := s.pathFor(groupID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write social graph file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Lookup implements collab.SocialGraphStore. Returns nil, nil if no entry
// has been recorded yet.
func (s *SocialGraphStore) Lookup(ctx context.Context, senderID, groupID string) (*collab.SocialGraphEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked(groupID)
	if err != nil {
		return nil, err
	}
	entry, ok := f.Entries[senderID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Upsert records or updates a sender's relationship entry for groupID.
func (s *SocialGraphStore) Upsert(ctx context.Context, entry collab.SocialGraphEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked(entry.GroupID)
	if err != nil {
		return err
	}
	f.Entries[entry.UserID] = entry
	return s.persistLocked(entry.GroupID, f)
}
