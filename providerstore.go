package polycache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	c "github.com/corradodellorusso/polycache/codec"
	"github.com/corradodellorusso/polycache/internal/util"
	"github.com/corradodellorusso/polycache/internal/wire"
	pr "github.com/corradodellorusso/polycache/provider"
)

// SetCostFunc weighs an entry for cost-aware providers such as Ristretto.
type SetCostFunc func(storageKey string, raw []byte) int64

// ProviderStoreOptions configure a ProviderStore. Provider and Codec are
// required.
type ProviderStoreOptions[V any] struct {
	Provider pr.Provider
	Codec    c.Codec[V]

	// Namespace isolates keys: stored as "<ns>:<key>". Reset only clears
	// the namespace.
	Namespace string
	// TTL applies to Set with ttl == 0. 0 => no expiry.
	TTL time.Duration

	IsCacheable    func(V) bool // nil => IsNotNil
	ComputeSetCost SetCostFunc  // nil => 1 per entry
	Logger         Logger
	Hooks          Hooks
}

// ProviderStore is a Store over a byte provider. Every value is framed with
// its absolute expiry, so expiry and TTL queries are exact on any provider,
// including ones without per-entry TTL. Frames that fail to decode or have
// expired are deleted when read.
type ProviderStore[V any] struct {
	provider  pr.Provider
	codec     c.Codec[V]
	ns        string
	ttl       time.Duration
	cacheable func(V) bool
	cost      SetCostFunc
	log       Logger
	hooks     Hooks
	now       func() time.Time
}

var _ Store[string] = (*ProviderStore[string])(nil)

func NewProviderStore[V any](opts ProviderStoreOptions[V]) (*ProviderStore[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("polycache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("polycache: codec is required")
	}
	s := &ProviderStore[V]{
		provider:  opts.Provider,
		codec:     opts.Codec,
		ns:        opts.Namespace,
		ttl:       opts.TTL,
		cacheable: opts.IsCacheable,
		cost:      opts.ComputeSetCost,
		now:       time.Now,
	}
	if s.cacheable == nil {
		s.cacheable = IsNotNil[V]
	}
	if s.cost == nil {
		s.cost = func(string, []byte) int64 { return 1 }
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	return s, nil
}

// Provider exposes the underlying provider.
func (s *ProviderStore[V]) Provider() pr.Provider { return s.provider }

func (s *ProviderStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	sk := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil || !ok {
		return zero, false, err
	}
	v, ok := s.decode(ctx, sk, raw)
	return v, ok, nil
}

func (s *ProviderStore[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if !s.cacheable(value) {
		return &UncacheableError{Key: key, Value: value}
	}
	it, err := s.item(key, value, ttl)
	if err != nil {
		return err
	}
	ok, err := s.provider.Set(ctx, it.Key, it.Value, s.cost(it.Key, it.Value), it.TTL)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("Set rejected by provider (pressure)", Fields{"key": key})
		s.hooks.ProviderSetRejected(it.Key)
	}
	return nil
}

func (s *ProviderStore[V]) Del(ctx context.Context, key string) error {
	return s.provider.Del(ctx, s.storageKey(key))
}

// Reset clears the namespace (everything when Namespace is empty). Needs a
// provider that is a Clearer or a Scanner.
func (s *ProviderStore[V]) Reset(ctx context.Context) error {
	prefix := ""
	if s.ns != "" {
		prefix = s.ns + ":"
	}
	if cl, ok := s.provider.(pr.Clearer); ok {
		return cl.Clear(ctx, prefix)
	}
	sc, ok := s.provider.(pr.Scanner)
	if !ok {
		return pr.ErrUnsupported
	}
	keys, err := sc.Keys(ctx, s.scanPattern(""))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.provider.Del(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderStore[V]) GetMany(ctx context.Context, keys ...string) ([]Lookup[V], error) {
	out := make([]Lookup[V], len(keys))
	b, ok := s.provider.(pr.Batcher)
	if !ok {
		for i, k := range keys {
			v, found, err := s.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			out[i] = Lookup[V]{Value: v, Found: found}
		}
		return out, nil
	}

	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = s.storageKey(k)
	}
	raws, err := b.MGet(ctx, sks)
	if err != nil {
		return nil, err
	}
	for i, raw := range raws {
		if i >= len(out) || raw == nil {
			continue
		}
		v, found := s.decode(ctx, sks[i], raw)
		out[i] = Lookup[V]{Value: v, Found: found}
	}
	return out, nil
}

// SetMany rejects the whole batch if any value is uncacheable.
func (s *ProviderStore[V]) SetMany(ctx context.Context, entries []Entry[V]) error {
	for _, e := range entries {
		if !s.cacheable(e.Value) {
			return &UncacheableError{Key: e.Key, Value: e.Value}
		}
	}
	b, ok := s.provider.(pr.Batcher)
	if !ok {
		for _, e := range entries {
			if err := s.Set(ctx, e.Key, e.Value, e.TTL); err != nil {
				return err
			}
		}
		return nil
	}
	items := make([]pr.Item, 0, len(entries))
	for _, e := range entries {
		it, err := s.item(e.Key, e.Value, e.TTL)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	return b.MSet(ctx, items)
}

func (s *ProviderStore[V]) DelMany(ctx context.Context, keys ...string) error {
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = s.storageKey(k)
	}
	if b, ok := s.provider.(pr.Batcher); ok {
		return b.MDel(ctx, sks)
	}
	var errs []error
	for _, k := range sks {
		errs = append(errs, s.provider.Del(ctx, k))
	}
	return multierr.Combine(errs...)
}

// Keys lists keys of this namespace matching pattern (provider glob
// semantics). Entries that expired but were not read since may be listed.
func (s *ProviderStore[V]) Keys(ctx context.Context, pattern string) ([]string, error) {
	sc, ok := s.provider.(pr.Scanner)
	if !ok {
		return nil, pr.ErrUnsupported
	}
	raw, err := sc.Keys(ctx, s.scanPattern(pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, sk := range raw {
		if k, ok := util.StripNamespace(s.ns, sk); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// TTL reads the entry's frame. Missing, corrupt and expired entries report
// NoExpiry, as do entries stored without expiry.
func (s *ProviderStore[V]) TTL(ctx context.Context, key string) (time.Duration, error) {
	raw, ok, err := s.provider.Get(ctx, s.storageKey(key))
	if err != nil {
		return NoExpiry, err
	}
	if !ok {
		return NoExpiry, nil
	}
	exp, _, err := wire.DecodeEntry(raw)
	if err != nil {
		return NoExpiry, nil
	}
	d := wire.Remaining(exp, s.now())
	if d == 0 {
		return NoExpiry, nil
	}
	return d, nil
}

// Close closes the provider.
func (s *ProviderStore[V]) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

func (s *ProviderStore[V]) decode(ctx context.Context, sk string, raw []byte) (V, bool) {
	var zero V
	exp, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		s.selfHeal(ctx, sk, "corrupt")
		return zero, false
	}
	if !exp.IsZero() && !s.now().Before(exp) {
		s.selfHeal(ctx, sk, "expired")
		return zero, false
	}
	v, err := s.codec.Decode(payload)
	if err != nil {
		s.selfHeal(ctx, sk, "value_decode")
		return zero, false
	}
	return v, true
}

func (s *ProviderStore[V]) selfHeal(ctx context.Context, sk, reason string) {
	_ = s.provider.Del(ctx, sk)
	s.log.Debug("entry dropped on read", Fields{"key": sk, "reason": reason})
	s.hooks.SelfHeal(sk, reason)
}

func (s *ProviderStore[V]) item(key string, value V, ttl time.Duration) (pr.Item, error) {
	payload, err := s.codec.Encode(value)
	if err != nil {
		return pr.Item{}, err
	}
	if ttl == 0 {
		ttl = s.ttl
	}
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	} else {
		ttl = NoExpiry
	}
	return pr.Item{Key: s.storageKey(key), Value: wire.EncodeEntry(exp, payload), TTL: ttl}, nil
}

func (s *ProviderStore[V]) storageKey(key string) string {
	return util.Namespaced(s.ns, key)
}

func (s *ProviderStore[V]) scanPattern(pattern string) string {
	if pattern == "" {
		pattern = "*"
	}
	return util.Namespaced(s.ns, pattern)
}
