// Package polycache coordinates reads and writes between application code and
// interchangeable key/value stores. It adds two behaviors no store provides
// on its own: single-flight recomputation of a key (Wrap) and refresh-ahead
// of entries close to expiry.
//
// Components:
//   - Store[V]: the backend contract (MemoryStore, or ProviderStore over any
//     byte provider such as Ristretto, BigCache, Redis or MongoDB).
//   - Cache[V]: one store plus coalesced Wrap and refresh-ahead.
//   - Tiered[V]: an ordered chain of caches (L1, L2, ...) with fallback reads,
//     promotion toward faster tiers and fan-out writes.
//
// Wrap:
//
//	user, err := cache.Wrap(ctx, "user:42", func(ctx context.Context) (User, error) {
//	    return db.LoadUser(ctx, 42)
//	}, polycache.WithTTL(time.Minute))
//
// Concurrent Wrap calls for the same key share one producer execution. With
// Options.RefreshThreshold set, a hit whose remaining TTL is below the
// threshold is returned immediately while the producer runs in the background.
//
// Tiers:
//
//	l1, _ := polycache.New(polycache.Options[User]{Store: mem})
//	l2, _ := polycache.New(polycache.Options[User]{Store: redisStore})
//	tc, _ := polycache.NewTiered(polycache.TieredOptions[User]{Tiers: []polycache.Tier[User]{l1, l2}})
//
// Reads tolerate failing tiers (treated as empty); writes do not.
package polycache
