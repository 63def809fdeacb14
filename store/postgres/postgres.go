// Package postgres provides a PostgreSQL-backed snapshot Store for quotagate.
//
// The snapshot is a single JSONB row, which keeps the store contract opaque
// and migration-free. Durability across restarts is the goal; the in-process
// ledger stays authoritative.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotagate"
)

// Store is a PostgreSQL-backed snapshot store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quotagate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotagate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed snapshot store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotagate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) snapshotsTable() string { return s.tablePrefix + "snapshots" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT PRIMARY KEY CHECK (id = 1),
			data JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.snapshotsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("quotagate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or nil if none has been saved.
func (s *Store) Load(ctx context.Context) (*quotagate.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = 1`, s.snapshotsTable()),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("quotagate/postgres: load: %w", err)
	}

	var snap quotagate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("quotagate/postgres: parse snapshot: %w", err)
	}
	return &snap, nil
}

// Save upserts the single snapshot row.
func (s *Store) Save(ctx context.Context, snap *quotagate.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("quotagate/postgres: encode snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data, saved_at) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`,
			s.snapshotsTable()),
		data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("quotagate/postgres: save: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
