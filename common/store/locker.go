package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/procflow/common/logger"
)

// LocksCollection holds one row per held instance lock
const LocksCollection = "locks"

// Locker provides per-instance exclusive locks through the document store's
// "locks" collection. Acquisition is a best-effort upsert: acquiring an id
// that is already locked refreshes its timestamp instead of waiting. The
// startup sweep is the safety net for locks leaked by a crashed process.
type Locker struct {
	store DocumentStore
	log   *logger.Logger
}

// NewLocker creates the locker and its unique index
func NewLocker(ctx context.Context, s DocumentStore, log *logger.Logger) (*Locker, error) {
	if err := s.EnsureIndex(ctx, LocksCollection, []string{"id"}, true); err != nil {
		return nil, fmt.Errorf("locks index: %w", err)
	}
	return &Locker{store: s, log: log}, nil
}

// Lock acquires (or refreshes) the lock for an instance id
func (l *Locker) Lock(ctx context.Context, id string) error {
	_, err := l.store.Update(ctx, LocksCollection,
		Query{"id": id},
		Document{"id": id, "time": time.Now().UTC()},
		true)
	if err != nil {
		return fmt.Errorf("lock %s: %w", id, err)
	}
	return nil
}

// Release removes the lock row for an instance id
func (l *Locker) Release(ctx context.Context, id string) error {
	if _, err := l.store.Remove(ctx, LocksCollection, Query{"id": id}); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// IsLocked reports whether a lock row exists for the id
func (l *Locker) IsLocked(ctx context.Context, id string) (bool, error) {
	docs, err := l.store.Find(ctx, LocksCollection, Query{"id": id})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// Sweep deletes lock rows older than age; called once at startup
func (l *Locker) Sweep(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	removed, err := l.store.Remove(ctx, LocksCollection, Query{"time": Query{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("lock sweep: %w", err)
	}
	if removed > 0 {
		l.log.Warn("swept stale locks", "count", removed)
	}
	return removed, nil
}
