// Package sqlite provides a SQLite-backed snapshot Store for quotagate.
//
// The snapshot is kept as a single JSON blob row so schema churn in the
// ledger never requires a migration.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ineyio/quotagate"
)

// Store implements quotagate.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ quotagate.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("quotagate/sqlite: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("quotagate/sqlite: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quotagate/sqlite: enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS quota_snapshots (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL,
	saved_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("quotagate/sqlite: apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored snapshot, or nil if none has been saved.
func (s *Store) Load(ctx context.Context) (*quotagate.Snapshot, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx, `SELECT data FROM quota_snapshots WHERE id = 1`)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("quotagate/sqlite: load: %w", err)
	}

	var snap quotagate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("quotagate/sqlite: parse snapshot: %w", err)
	}
	return &snap, nil
}

// Save upserts the single snapshot row.
func (s *Store) Save(ctx context.Context, snap *quotagate.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("quotagate/sqlite: encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO quota_snapshots(id, data, saved_at) VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("quotagate/sqlite: save: %w", err)
	}
	return nil
}
