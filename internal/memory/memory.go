// Package memory persists the short free-form notes that get injected into
// the system prompt. Items live in a small JSON file next to the database.
package memory

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// MaxItemChars caps a single memory item after normalization.
	MaxItemChars = 400
	// MaxItems caps the file; the oldest items are dropped first.
	MaxItems = 120
)

type fileShape struct {
	Items []string `json:"items"`
}

// Store is a mutex-guarded view over the memory file. Every mutation is a
// read-modify-write followed by an atomic rename.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing memory path")
	}
	return &Store{path: filepath.Clean(path)}, nil
}

// Normalize collapses whitespace and truncates to MaxItemChars. The cut is
// made on a rune boundary so a multi-byte character is never split.
func Normalize(item string) string {
	item = strings.Join(strings.Fields(item), " ")
	if runes := []rune(item); len(runes) > MaxItemChars {
		item = string(runes[:MaxItemChars])
	}
	return strings.TrimSpace(item)
}

func (s *Store) load() ([]string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var f fileShape
	if err := json.Unmarshal(b, &f); err != nil {
		// A corrupt file should not brick the assistant; start over.
		return nil, nil
	}
	return f.Items, nil
}

func (s *Store) save(items []string) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(fileShape{Items: items}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Add normalizes and appends an item, deduplicating and enforcing the item
// cap. Returns the stored items after the write.
func (s *Store) Add(item string) ([]string, error) {
	if s == nil {
		return nil, errors.New("nil memory store")
	}
	item = Normalize(item)
	if item == "" {
		return nil, errors.New("empty memory item")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, existing := range items {
		if existing == item {
			return items, nil
		}
	}
	items = append(items, item)
	if len(items) > MaxItems {
		items = items[len(items)-MaxItems:]
	}
	if err := s.save(items); err != nil {
		return nil, err
	}
	return items, nil
}

// List returns the stored items, oldest first.
func (s *Store) List() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil memory store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Clear removes every item.
func (s *Store) Clear() error {
	if s == nil {
		return errors.New("nil memory store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save([]string{})
}
