// Package file provides a JSON-file-backed snapshot Store for quotagate.
//
// Writes go through a temp file and rename so a crash mid-save never leaves
// a torn snapshot behind.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ineyio/quotagate"
)

// Store persists snapshots to a single JSON file.
type Store struct {
	path string
}

var _ quotagate.Store = (*Store)(nil)

// New creates a file store at the given path, creating parent directories
// as needed.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("quotagate/file: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("quotagate/file: create directory: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Load reads the snapshot file. A missing file is not an error.
func (s *Store) Load(_ context.Context) (*quotagate.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("quotagate/file: load: %w", err)
	}

	var snap quotagate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("quotagate/file: parse snapshot: %w", err)
	}
	return &snap, nil
}

// Save atomically replaces the snapshot file.
func (s *Store) Save(_ context.Context, snap *quotagate.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("quotagate/file: encode snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("quotagate/file: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("quotagate/file: replace snapshot: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *Store) Close() error { return nil }
