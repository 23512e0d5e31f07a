// Package genstore keeps per-key generation counters.
//
// A cache bumps a key's generation on every write or delete. Background
// refreshes snapshot the generation before calling the producer and only
// write back if it has not moved, so a slow refresh never overwrites a
// newer value.
package genstore

import "context"

// GenStore holds generation counters. Missing keys are at generation 0.
type GenStore interface {
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns an entry for every requested key.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump increments key's generation and returns the new value.
	Bump(ctx context.Context, key string) (uint64, error)
	Close(ctx context.Context) error
}
