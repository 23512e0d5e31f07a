package polycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gen "github.com/corradodellorusso/polycache/genstore"
)

const (
	defaultGenRetention = 24 * time.Hour
	defaultGenSweep     = time.Hour

	// resetEpochKey is bumped by Reset so that a refresh started before the
	// reset cannot write afterwards.
	resetEpochKey = "\x00polycache:reset"
)

// Cache is a single-tier cache over one Store.
// Plain reads and writes go straight to the store; Wrap adds coalescing and
// refresh-ahead.
type Cache[V any] struct {
	name      string
	store     Store[V]
	log       Logger
	hooks     Hooks
	ttl       time.Duration
	threshold time.Duration

	group      singleflight.Group
	bg         background
	refreshing sync.Map // key -> struct{}, one background refresh per key

	gen       gen.GenStore // nil when fencing is disabled
	ownsGen   bool
	closeOnce sync.Once
}

func newCache[V any](opts Options[V]) (*Cache[V], error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("polycache: store is required")
	}
	if opts.RefreshThreshold < 0 {
		return nil, fmt.Errorf("polycache: negative refresh threshold %v", opts.RefreshThreshold)
	}

	c := &Cache[V]{
		store:     opts.Store,
		ttl:       opts.TTL,
		threshold: opts.RefreshThreshold,
	}
	c.name = coalesce(opts.Name, "cache")
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.bg.timeout = opts.BackgroundTimeout

	if !opts.DisableFencing {
		if opts.GenStore != nil {
			c.gen = opts.GenStore
		} else {
			c.gen = gen.NewLocalGenStore(defaultGenSweep, defaultGenRetention)
			c.ownsGen = true
		}
	}
	return c, nil
}

// Name returns the cache name used in logs and hooks.
func (c *Cache[V]) Name() string { return c.name }

// Store exposes the underlying store.
func (c *Cache[V]) Store() Store[V] { return c.store }

func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	return c.store.Get(ctx, key)
}

// Set writes value; ttl == 0 falls back to Options.TTL.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	c.bump(ctx, key)
	return c.store.Set(ctx, key, value, coalesce(ttl, c.ttl))
}

func (c *Cache[V]) Del(ctx context.Context, key string) error {
	c.bump(ctx, key)
	return c.store.Del(ctx, key)
}

func (c *Cache[V]) Reset(ctx context.Context) error {
	c.bump(ctx, resetEpochKey)
	return c.store.Reset(ctx)
}

func (c *Cache[V]) GetMany(ctx context.Context, keys ...string) ([]Lookup[V], error) {
	return c.store.GetMany(ctx, keys...)
}

func (c *Cache[V]) SetMany(ctx context.Context, entries []Entry[V]) error {
	withTTL := make([]Entry[V], len(entries))
	keys := make([]string, len(entries))
	for i, e := range entries {
		e.TTL = coalesce(e.TTL, c.ttl)
		withTTL[i] = e
		keys[i] = e.Key
	}
	c.bump(ctx, keys...)
	return c.store.SetMany(ctx, withTTL)
}

func (c *Cache[V]) DelMany(ctx context.Context, keys ...string) error {
	c.bump(ctx, keys...)
	return c.store.DelMany(ctx, keys...)
}

func (c *Cache[V]) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.store.Keys(ctx, pattern)
}

func (c *Cache[V]) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.store.TTL(ctx, key)
}

// Wrap returns the cached value for key, or runs fn, caches and returns its
// result. Concurrent calls for one key share a single execution unless
// WithoutCoalescing is given. Each caller stops waiting when its own ctx is
// done; the shared execution keeps running for the others.
func (c *Cache[V]) Wrap(ctx context.Context, key string, fn Producer[V], opts ...WrapOption) (V, error) {
	var zero V
	o := applyWrapOptions(opts)
	spec, err := newTTLSpec[V](o, c.ttl)
	if err != nil {
		return zero, err
	}
	threshold := c.threshold
	if o.threshold != nil {
		threshold = *o.threshold
	}

	if o.noCoalesce {
		return c.wrap(ctx, key, fn, spec, threshold)
	}

	// led is written before DoChan delivers, so reading it after receive is
	// race free.
	var led bool
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		v, err := c.wrap(context.WithoutCancel(ctx), key, fn, spec, threshold)
		return v, err
	})
	select {
	case res := <-ch:
		if res.Shared && !led {
			c.hooks.Coalesced(c.name, key)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// wrap is the critical section: read, then produce on miss or maybe refresh
// on hit.
func (c *Cache[V]) wrap(ctx context.Context, key string, fn Producer[V], spec ttlSpec[V], threshold time.Duration) (V, error) {
	var zero V
	current, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	if !ok {
		v, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		c.bump(ctx, key)
		if err := c.store.Set(ctx, key, v, spec.resolve(v)); err != nil {
			return zero, err
		}
		return v, nil
	}

	if threshold > 0 {
		c.refreshAhead(ctx, key, current, fn, spec, threshold)
	}
	return current, nil
}

func (c *Cache[V]) refreshAhead(ctx context.Context, key string, current V, fn Producer[V], spec ttlSpec[V], threshold time.Duration) {
	ttl := spec.resolve(current)
	remaining, err := c.store.TTL(ctx, key)
	if err != nil {
		c.log.Debug("ttl lookup failed; refresh skipped", Fields{"cache": c.name, "key": key, "err": err})
		return
	}
	if remaining < 0 || remaining >= threshold {
		return
	}
	if _, running := c.refreshing.LoadOrStore(key, struct{}{}); running {
		return
	}

	f, fenced := c.snapshot(ctx, key)
	c.hooks.RefreshStarted(c.name, key)
	c.log.Debug("refresh-ahead", Fields{"cache": c.name, "key": key, "remaining": remaining})

	c.bg.spawn(ctx, key, func(ctx context.Context) error {
		defer c.refreshing.Delete(key)
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		if fenced && !c.fenceHolds(ctx, key, f) {
			c.hooks.RefreshSkipped(c.name, key)
			c.log.Debug("refresh dropped (key changed while refreshing)", Fields{"cache": c.name, "key": key})
			return nil
		}
		return c.store.Set(ctx, key, v, ttl)
	}, func(err error) {
		c.log.Warn("background refresh failed", Fields{"cache": c.name, "key": key, "err": err})
		c.hooks.RefreshFailed(c.name, key, err)
	})
}

// fence is the pair of generations a refresh must still observe to write.
type fence struct {
	key, epoch uint64
}

func (c *Cache[V]) snapshot(ctx context.Context, key string) (fence, bool) {
	if c.gen == nil {
		return fence{}, false
	}
	m, err := c.gen.SnapshotMany(ctx, []string{key, resetEpochKey})
	if err != nil {
		c.log.Warn("gen snapshot error; refresh unfenced", Fields{"cache": c.name, "key": key, "err": err})
		return fence{}, false
	}
	return fence{key: m[key], epoch: m[resetEpochKey]}, true
}

func (c *Cache[V]) fenceHolds(ctx context.Context, key string, f fence) bool {
	now, ok := c.snapshot(ctx, key)
	// Conservative: an unverifiable fence drops the write.
	return ok && now == f
}

func (c *Cache[V]) bump(ctx context.Context, keys ...string) {
	if c.gen == nil {
		return
	}
	for _, k := range keys {
		if _, err := c.gen.Bump(ctx, k); err != nil {
			c.log.Error("gen bump error", Fields{"cache": c.name, "key": k, "err": err})
		}
	}
}

// Wait blocks until background refreshes started so far have finished.
func (c *Cache[V]) Wait(ctx context.Context) error {
	return c.bg.wait(ctx)
}

// Close waits for background work and releases the generation store the
// cache created itself. The Store is not closed; it may be shared.
func (c *Cache[V]) Close(ctx context.Context) error {
	err := c.Wait(ctx)
	c.closeOnce.Do(func() {
		if c.ownsGen {
			_ = c.gen.Close(ctx)
		}
	})
	return err
}
