package quotagate

import (
	"context"
	"time"
)

// Store persists ledger snapshots across restarts. Implementations live in
// the store/ subpackages; any of them can back the controller because the
// snapshot is an opaque structured blob to the caller.
//
// Store failures are never fatal: the in-memory ledger stays authoritative
// and the next mutation retries the write.
type Store interface {
	// Load returns the most recent snapshot, or (nil, nil) if none exists.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// Close releases any underlying resources.
	Close() error
}

// Snapshot is the persisted ledger state.
type Snapshot struct {
	LastReset    time.Time              `json:"last_reset"`
	Used         int                    `json:"used"`
	Reservations map[string]Reservation `json:"active_reservations"`
	History      []DailyUsageRecord     `json:"usage_history"`
	LastSaved    time.Time              `json:"last_saved"`
}
