// Package provider defines the byte storage abstraction behind the threadcache store.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation). Rollback relies on this to restore a
// captured entry exactly.
//
// Important: the keyspace "entry:<ns>:" is owned by threadcache. External code
// MUST NOT write values under this prefix. Foreign writes are treated as
// corruption by strict wire-format validation and deleted.
//
// Capacity-bounded stores (ristretto, bigcache) may drop entries under pressure.
// The store reports such a drop as a miss and the view refetches; use the memory
// provider when entries must live until invalidated.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use and byte-for-byte transparent.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 means no expiry). May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
