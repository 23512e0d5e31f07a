package polycache

import (
	"context"
	"time"

	gen "github.com/corradodellorusso/polycache/genstore"
)

// NoExpiry as a TTL stores an entry without expiration. Stores report it
// (or any negative duration) from TTL for entries that never expire and for
// keys they know nothing about.
const NoExpiry time.Duration = -1

// Lookup is one slot of a batch read. Found distinguishes a cached zero
// value from absence.
type Lookup[V any] struct {
	Value V
	Found bool
}

// Entry is one item of a batch write. TTL follows the same rules as Set.
type Entry[V any] struct {
	Key   string
	Value V
	TTL   time.Duration
}

//go:generate mockgen -source=api.go -destination=mock_store_test.go -package=polycache Store

// Store is the backend contract. Implementations must be safe for
// concurrent use.
type Store[V any] interface {
	// Get returns (value, true, nil) on hit and (zero, false, nil) on miss.
	Get(ctx context.Context, key string) (V, bool, error)
	// Set stores value. ttl == 0 uses the store default, NoExpiry disables
	// expiry. Values failing the store's cacheability rule yield an
	// *UncacheableError.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// Reset removes every entry owned by the store.
	Reset(ctx context.Context) error

	// GetMany returns one Lookup per key, aligned with keys.
	GetMany(ctx context.Context, keys ...string) ([]Lookup[V], error)
	SetMany(ctx context.Context, entries []Entry[V]) error
	DelMany(ctx context.Context, keys ...string) error

	// Keys lists stored keys. Pattern semantics are store-defined;
	// "" means all keys.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// TTL reports the remaining lifetime of key. Negative means no expiry
	// or unknown.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Producer computes the value for a key on a miss or a refresh.
type Producer[V any] func(ctx context.Context) (V, error)

// Tier is what a Tiered cache composes. *Cache[V] and *Tiered[V] both
// satisfy it, so tier chains nest.
type Tier[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Reset(ctx context.Context) error
	GetMany(ctx context.Context, keys ...string) ([]Lookup[V], error)
	SetMany(ctx context.Context, entries []Entry[V]) error
	DelMany(ctx context.Context, keys ...string) error
	Wrap(ctx context.Context, key string, fn Producer[V], opts ...WrapOption) (V, error)
}

var (
	_ Tier[string] = (*Cache[string])(nil)
	_ Tier[string] = (*Tiered[string])(nil)
)

// Options configure a single-tier Cache. Only Store is required.
type Options[V any] struct {
	Store Store[V]

	Name   string // shows up in logs; default "cache"
	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	// TTL is used by Set and Wrap when the caller passes none; 0 defers to
	// the store default.
	TTL time.Duration

	// RefreshThreshold enables refresh-ahead in Wrap. 0 disables it.
	RefreshThreshold time.Duration

	// BackgroundTimeout bounds a background refresh. 0 => no bound.
	BackgroundTimeout time.Duration

	// GenStore holds the generations that fence background refreshes
	// against concurrent Set/Del/Reset. nil => in-process LocalGenStore.
	GenStore       gen.GenStore
	DisableFencing bool
}

// TieredOptions configure a Tiered cache. Tiers are consulted in order.
type TieredOptions[V any] struct {
	Tiers []Tier[V]

	Name   string // default "tiered"
	Logger Logger
	Hooks  Hooks

	// PromoteTTL is used when Get promotes a value found in a lower tier.
	// 0 => each tier's default.
	PromoteTTL time.Duration

	// BackgroundTimeout bounds promotion and member refresh work. 0 => no bound.
	BackgroundTimeout time.Duration
}

// New builds a single-tier cache over opts.Store.
func New[V any](opts Options[V]) (*Cache[V], error) {
	return newCache[V](opts)
}

// NewTiered builds a cache over opts.Tiers.
func NewTiered[V any](opts TieredOptions[V]) (*Tiered[V], error) {
	return newTiered[V](opts)
}
