// Package file persists the history buffer as a whole-buffer JSON snapshot.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore on a single JSON file.
// Writes go through a temp file and rename so readers never observe a
// partial snapshot.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore creates a snapshot store at the given path.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Save overwrites the persisted snapshot with the given sequence.
func (s *SnapshotStore) Save(trades []*domain.Trade) error {
	data, err := json.Marshal(trades)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load returns the persisted sequence, or storage.ErrNotFound when no
// snapshot exists yet.
func (s *SnapshotStore) Load() ([]*domain.Trade, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var trades []*domain.Trade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return trades, nil
}
