// Package store provides storage backends for sliding window segment counters.
package store

import (
	"context"
	"time"
)

// Store defines the interface for segment counter backends.
// Implementations must be safe for concurrent use.
//
// A key maps to a set of segment counters. Each segment carries its own
// expiry, pinned to the first write of that segment.
type Store interface {
	// Segments returns every live segment counter for key in one round trip.
	// Returns an empty map if the key doesn't exist.
	Segments(ctx context.Context, key string) (map[int64]int64, error)

	// Record increments the counter for segment by one, creating it if absent,
	// and sets its expiry to ttl unless it already has one.
	Record(ctx context.Context, key string, segment int64, ttl time.Duration) error

	// Reset removes all segment counters for key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
