package polycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Tiered chains caches in priority order (index 0 first).
//
// Reads return the first hit and treat a failing tier as empty. Writes go to
// every tier concurrently and report every failure. Values found below the
// top tier are copied upward in the background.
type Tiered[V any] struct {
	name       string
	tiers      []Tier[V]
	log        Logger
	hooks      Hooks
	promoteTTL time.Duration

	group singleflight.Group
	bg    background
}

func newTiered[V any](opts TieredOptions[V]) (*Tiered[V], error) {
	if len(opts.Tiers) == 0 {
		return nil, fmt.Errorf("polycache: at least one tier is required")
	}
	for i, t := range opts.Tiers {
		if t == nil {
			return nil, fmt.Errorf("polycache: tier %d is nil", i)
		}
	}
	t := &Tiered[V]{
		tiers:      append([]Tier[V](nil), opts.Tiers...),
		promoteTTL: opts.PromoteTTL,
	}
	t.name = coalesce(opts.Name, "tiered")
	t.log = coalesce[Logger](opts.Logger, NopLogger{})
	t.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	t.bg.timeout = opts.BackgroundTimeout
	return t, nil
}

// Len returns the number of tiers.
func (t *Tiered[V]) Len() int { return len(t.tiers) }

// Get returns the first value found walking the tiers in order. A hit below
// the top tier is promoted in the background.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool, error) {
	v, i := t.lookup(ctx, key)
	if i < 0 {
		var zero V
		return zero, false, nil
	}
	if i > 0 {
		t.promote(ctx, key, v, i, t.promoteTTL)
	}
	return v, true, nil
}

func (t *Tiered[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	return t.fanOut(ctx, func(ctx context.Context, tier Tier[V]) error {
		return tier.Set(ctx, key, value, ttl)
	})
}

func (t *Tiered[V]) Del(ctx context.Context, key string) error {
	return t.fanOut(ctx, func(ctx context.Context, tier Tier[V]) error {
		return tier.Del(ctx, key)
	})
}

func (t *Tiered[V]) Reset(ctx context.Context) error {
	return t.fanOut(ctx, func(ctx context.Context, tier Tier[V]) error {
		return tier.Reset(ctx)
	})
}

// GetMany resolves keys tier by tier. A tier is only asked for the keys no
// earlier tier had; a failing tier contributes nothing.
func (t *Tiered[V]) GetMany(ctx context.Context, keys ...string) ([]Lookup[V], error) {
	out := make([]Lookup[V], len(keys))
	pending := make([]int, len(keys))
	for i := range keys {
		pending[i] = i
	}

	for ti, tier := range t.tiers {
		if len(pending) == 0 {
			break
		}
		ask := make([]string, len(pending))
		for j, idx := range pending {
			ask[j] = keys[idx]
		}
		res, err := tier.GetMany(ctx, ask...)
		if err != nil {
			t.readFailed(ti, err)
			continue
		}
		next := pending[:0]
		for j, idx := range pending {
			if j < len(res) && res[j].Found {
				out[idx] = res[j]
				continue
			}
			next = append(next, idx)
		}
		pending = next
	}
	return out, nil
}

func (t *Tiered[V]) SetMany(ctx context.Context, entries []Entry[V]) error {
	return t.fanOut(ctx, func(ctx context.Context, tier Tier[V]) error {
		return tier.SetMany(ctx, entries)
	})
}

func (t *Tiered[V]) DelMany(ctx context.Context, keys ...string) error {
	return t.fanOut(ctx, func(ctx context.Context, tier Tier[V]) error {
		return tier.DelMany(ctx, keys...)
	})
}

// Wrap looks key up across the tiers under a single-flight group of its own.
// On a miss it runs fn and writes the result to every tier. On a hit at tier
// i it returns at once; tiers above i are backfilled and tier i's own Wrap
// runs in the background so its refresh-ahead can kick in.
func (t *Tiered[V]) Wrap(ctx context.Context, key string, fn Producer[V], opts ...WrapOption) (V, error) {
	var zero V
	o := applyWrapOptions(opts)
	spec, err := newTTLSpec[V](o, 0)
	if err != nil {
		return zero, err
	}

	if o.noCoalesce {
		return t.wrap(ctx, key, fn, spec, opts)
	}

	// led is written before DoChan delivers, so reading it after receive is
	// race free.
	var led bool
	ch := t.group.DoChan(key, func() (any, error) {
		led = true
		v, err := t.wrap(context.WithoutCancel(ctx), key, fn, spec, opts)
		return v, err
	})
	select {
	case res := <-ch:
		if res.Shared && !led {
			t.hooks.Coalesced(t.name, key)
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

func (t *Tiered[V]) wrap(ctx context.Context, key string, fn Producer[V], spec ttlSpec[V], opts []WrapOption) (V, error) {
	var zero V
	found, i := t.lookup(ctx, key)
	if i < 0 {
		v, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		ttl := spec.resolve(v)
		if err := t.fanOut(ctx, func(ctx context.Context, tier Tier[V]) error {
			return tier.Set(ctx, key, v, ttl)
		}); err != nil {
			return zero, err
		}
		return v, nil
	}

	t.promote(ctx, key, found, i, spec.resolve(found))

	member := t.tiers[i]
	t.bg.spawn(ctx, key, func(ctx context.Context) error {
		_, err := member.Wrap(ctx, key, fn, opts...)
		return err
	}, func(err error) {
		t.log.Warn("tier refresh failed", Fields{"cache": t.name, "key": key, "tier": i, "err": err})
		t.hooks.RefreshFailed(t.name, key, err)
	})
	return found, nil
}

// lookup returns the value and the index of the first tier holding key,
// or -1.
func (t *Tiered[V]) lookup(ctx context.Context, key string) (V, int) {
	for i, tier := range t.tiers {
		v, ok, err := tier.Get(ctx, key)
		if err != nil {
			t.readFailed(i, err)
			continue
		}
		if ok {
			return v, i
		}
	}
	var zero V
	return zero, -1
}

// promote copies value into every tier above from, in the background.
func (t *Tiered[V]) promote(ctx context.Context, key string, value V, from int, ttl time.Duration) {
	for j := 0; j < from; j++ {
		tier := t.tiers[j]
		t.bg.spawn(ctx, key, func(ctx context.Context) error {
			return tier.Set(ctx, key, value, ttl)
		}, func(err error) {
			t.log.Warn("promotion failed", Fields{"cache": t.name, "key": key, "from": from, "to": j, "err": err})
			t.hooks.PromoteFailed(t.name, key, from, err)
		})
	}
}

func (t *Tiered[V]) fanOut(ctx context.Context, fn func(ctx context.Context, tier Tier[V]) error) error {
	errs := make([]error, len(t.tiers))
	var wg sync.WaitGroup
	wg.Add(len(t.tiers))
	for i, tier := range t.tiers {
		go func() {
			defer wg.Done()
			errs[i] = fn(ctx, tier)
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func (t *Tiered[V]) readFailed(tier int, err error) {
	t.log.Debug("tier read failed; treated as miss", Fields{"cache": t.name, "tier": tier, "err": err})
	t.hooks.TierReadFailed(t.name, tier, err)
}

type waiter interface {
	Wait(ctx context.Context) error
}

type closer interface {
	Close(ctx context.Context) error
}

// Wait blocks until promotion and member refresh work has drained, including
// refreshes the member caches started in response.
func (t *Tiered[V]) Wait(ctx context.Context) error {
	if err := t.bg.wait(ctx); err != nil {
		return err
	}
	for _, tier := range t.tiers {
		if w, ok := tier.(waiter); ok {
			if err := w.Wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close waits for background work, then closes every tier that can be closed.
func (t *Tiered[V]) Close(ctx context.Context) error {
	if err := t.bg.wait(ctx); err != nil {
		return err
	}
	var errs []error
	for _, tier := range t.tiers {
		if c, ok := tier.(closer); ok {
			errs = append(errs, c.Close(ctx))
		}
	}
	return multierr.Combine(errs...)
}
