// Package genstore holds the per-entry generation counters that frame every
// cached page. A write bumps the counter; a frame whose generation no longer
// matches is discarded on read, and a fetch that started before a bump is
// dropped at commit.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where entry generations live. LocalGenStore is the
// default; RedisGenStore lets several processes share one provider.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0. Family scans
	// use it to validate every matching page in one round trip.
	SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes counters idle longer than retention (no-op for Redis).
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
