// Package provider defines the byte-level storage abstraction behind
// polycache.ProviderStore.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the []byte previously passed to Set for a key. polycache frames every value
// with its own header (expiry + payload), so providers never need to
// understand what they store.
//
// Only Provider is required. Scanner, Clearer and Batcher are optional
// capabilities; ProviderStore falls back to per-key calls or reports
// ErrUnsupported when one is missing.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned when a provider cannot perform an optional
// operation (listing keys, clearing by prefix).
var ErrUnsupported = errors.New("provider: operation not supported")

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 => no expiry). May ignore
	// cost if unsupported. Returns ok=false when the store rejected the
	// write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Scanner lists keys matching a path.Match-style glob.
type Scanner interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Clearer removes every key starting with prefix ("" => everything).
type Clearer interface {
	Clear(ctx context.Context, prefix string) error
}

// Item is one value of a batch write.
type Item struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Batcher performs multi-key operations natively (one round trip).
type Batcher interface {
	// MGet returns values aligned with keys; nil marks a miss.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	MSet(ctx context.Context, items []Item) error
	MDel(ctx context.Context, keys []string) error
}
