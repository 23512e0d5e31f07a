package polycache

import (
	"fmt"
	"time"
)

// WrapOption tunes a single Wrap call.
type WrapOption func(*wrapOptions)

type wrapOptions struct {
	ttl        time.Duration
	ttlFunc    any // func(V) time.Duration, checked against V in Wrap
	threshold  *time.Duration
	noCoalesce bool
}

// WithTTL sets a literal TTL for the value Wrap produces.
func WithTTL(d time.Duration) WrapOption {
	return func(o *wrapOptions) { o.ttl = d }
}

// WithTTLFunc derives the TTL from the value, e.g. shorter for empty results.
// It wins over WithTTL. V must match the cache's value type.
func WithTTLFunc[V any](f func(V) time.Duration) WrapOption {
	return func(o *wrapOptions) { o.ttlFunc = f }
}

// WithRefreshThreshold overrides Options.RefreshThreshold for one call.
// 0 disables refresh-ahead for the call.
func WithRefreshThreshold(d time.Duration) WrapOption {
	return func(o *wrapOptions) { o.threshold = &d }
}

// WithoutCoalescing runs the call outside the key's single-flight group.
// Concurrent calls may then run the producer once each.
func WithoutCoalescing() WrapOption {
	return func(o *wrapOptions) { o.noCoalesce = true }
}

func applyWrapOptions(opts []WrapOption) wrapOptions {
	var o wrapOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// ttlSpec is a resolved TTL specification for one value type.
type ttlSpec[V any] struct {
	fixed time.Duration
	fn    func(V) time.Duration
}

func newTTLSpec[V any](o wrapOptions, def time.Duration) (ttlSpec[V], error) {
	s := ttlSpec[V]{fixed: coalesce(o.ttl, def)}
	if o.ttlFunc == nil {
		return s, nil
	}
	fn, ok := o.ttlFunc.(func(V) time.Duration)
	if !ok {
		var zero V
		return s, fmt.Errorf("polycache: ttl func %T does not accept %T", o.ttlFunc, zero)
	}
	s.fn = fn
	return s, nil
}

// resolve returns the TTL for v. It has no side effects.
func (s ttlSpec[V]) resolve(v V) time.Duration {
	if s.fn != nil {
		return s.fn(v)
	}
	return s.fixed
}
