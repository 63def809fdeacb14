// Package redis provides a Redis-backed snapshot Store for quotagate.
//
// The snapshot is stored as a single JSON value. Redis here is a
// restart-recovery backend for the one authoritative in-process ledger, not
// a coordination layer between instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotagate"
)

// Store is a Redis-backed snapshot store.
type Store struct {
	client goredis.Cmdable
	key    string
}

var _ quotagate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKey sets the Redis key (default "quotagate:snapshot").
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// New creates a new Redis-backed snapshot store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		key:    "quotagate:snapshot",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stored snapshot, or nil if the key does not exist.
func (s *Store) Load(ctx context.Context) (*quotagate.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("quotagate/redis: load: %w", err)
	}

	var snap quotagate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("quotagate/redis: parse snapshot: %w", err)
	}
	return &snap, nil
}

// Save replaces the stored snapshot.
func (s *Store) Save(ctx context.Context, snap *quotagate.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("quotagate/redis: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("quotagate/redis: save: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error { return nil }
