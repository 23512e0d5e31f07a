package polycache

import (
	"container/list"
	"context"
	"path"
	"reflect"
	"sync"
	"time"
)

// MemoryOptions configure a MemoryStore.
type MemoryOptions[V any] struct {
	// MaxEntries bounds the store; the least recently used entry is evicted
	// first. 0 => unbounded.
	MaxEntries int
	// TTL is the default lifetime for Set with ttl == 0. 0 => no expiry.
	TTL time.Duration
	// CleanupInterval runs a janitor removing expired entries. 0 => expired
	// entries are only dropped when touched.
	CleanupInterval time.Duration
	// IsCacheable rejects values. nil => IsNotNil.
	IsCacheable func(V) bool
	// OnEvict is called (outside the lock) for entries dropped by capacity
	// or expiry.
	OnEvict func(key string, value V)
}

type memEntry[V any] struct {
	key   string
	value V
	exp   time.Time // zero => no expiry
}

func (e *memEntry[V]) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

// MemoryStore is an in-process LRU Store with per-key expiry.
// Values are stored as-is, without copying.
type MemoryStore[V any] struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used

	max       int
	ttl       time.Duration
	cacheable func(V) bool
	onEvict   func(string, V)

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

var _ Store[string] = (*MemoryStore[string])(nil)

func NewMemoryStore[V any](opts MemoryOptions[V]) *MemoryStore[V] {
	s := &MemoryStore[V]{
		items:     make(map[string]*list.Element),
		lru:       list.New(),
		max:       opts.MaxEntries,
		ttl:       opts.TTL,
		cacheable: opts.IsCacheable,
		onEvict:   opts.OnEvict,
		now:       time.Now,
	}
	if s.cacheable == nil {
		s.cacheable = IsNotNil[V]
	}
	if opts.CleanupInterval > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.janitor(opts.CleanupInterval)
	}
	return s
}

// IsNotNil is the default cacheability rule: it rejects nil pointers, maps,
// slices, channels, funcs and interfaces. Zero values of other types pass.
func IsNotNil[V any](v V) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return false
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return !rv.IsNil()
	}
	return true
}

func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return zero, false, nil
	}
	e := el.Value.(*memEntry[V])
	if e.expired(s.now()) {
		s.removeLocked(el)
		s.mu.Unlock()
		s.evicted(e)
		return zero, false, nil
	}
	s.lru.MoveToFront(el)
	v := e.value
	s.mu.Unlock()
	return v, true, nil
}

func (s *MemoryStore[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if !s.cacheable(value) {
		return &UncacheableError{Key: key, Value: value}
	}
	s.mu.Lock()
	dropped := s.setLocked(key, value, ttl)
	s.mu.Unlock()
	s.evicted(dropped...)
	return nil
}

func (s *MemoryStore[V]) setLocked(key string, value V, ttl time.Duration) []*memEntry[V] {
	exp := s.expiry(ttl)
	if el, ok := s.items[key]; ok {
		e := el.Value.(*memEntry[V])
		e.value = value
		e.exp = exp
		s.lru.MoveToFront(el)
		return nil
	}
	s.items[key] = s.lru.PushFront(&memEntry[V]{key: key, value: value, exp: exp})

	var dropped []*memEntry[V]
	for s.max > 0 && s.lru.Len() > s.max {
		oldest := s.lru.Back()
		dropped = append(dropped, oldest.Value.(*memEntry[V]))
		s.removeLocked(oldest)
	}
	return dropped
}

func (s *MemoryStore[V]) expiry(ttl time.Duration) time.Time {
	if ttl == 0 {
		ttl = s.ttl
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore[V]) Del(_ context.Context, key string) error {
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore[V]) Reset(_ context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]*list.Element)
	s.lru.Init()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore[V]) GetMany(ctx context.Context, keys ...string) ([]Lookup[V], error) {
	out := make([]Lookup[V], len(keys))
	for i, k := range keys {
		v, ok, _ := s.Get(ctx, k)
		out[i] = Lookup[V]{Value: v, Found: ok}
	}
	return out, nil
}

// SetMany validates every entry before writing any of them.
func (s *MemoryStore[V]) SetMany(_ context.Context, entries []Entry[V]) error {
	for _, e := range entries {
		if !s.cacheable(e.Value) {
			return &UncacheableError{Key: e.Key, Value: e.Value}
		}
	}
	var dropped []*memEntry[V]
	s.mu.Lock()
	for _, e := range entries {
		dropped = append(dropped, s.setLocked(e.Key, e.Value, e.TTL)...)
	}
	s.mu.Unlock()
	s.evicted(dropped...)
	return nil
}

func (s *MemoryStore[V]) DelMany(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		if el, ok := s.items[k]; ok {
			s.removeLocked(el)
		}
	}
	s.mu.Unlock()
	return nil
}

// Keys lists live keys matching a path.Match glob ("" or "*" => all),
// most recently used first.
func (s *MemoryStore[V]) Keys(_ context.Context, pattern string) ([]string, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, err
		}
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for el := s.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*memEntry[V])
		if e.expired(now) {
			continue
		}
		if pattern != "" {
			if ok, _ := path.Match(pattern, e.key); !ok {
				continue
			}
		}
		out = append(out, e.key)
	}
	return out, nil
}

// TTL returns the remaining lifetime, or NoExpiry for entries without one
// and for unknown keys.
func (s *MemoryStore[V]) TTL(_ context.Context, key string) (time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return NoExpiry, nil
	}
	e := el.Value.(*memEntry[V])
	if e.exp.IsZero() || e.expired(now) {
		return NoExpiry, nil
	}
	return e.exp.Sub(now), nil
}

// Len reports the number of stored entries, expired ones included until
// they are cleaned up.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Close stops the janitor. The store stays usable.
func (s *MemoryStore[V]) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}

func (s *MemoryStore[V]) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry[V])
	delete(s.items, e.key)
	s.lru.Remove(el)
}

func (s *MemoryStore[V]) evicted(entries ...*memEntry[V]) {
	if s.onEvict == nil {
		return
	}
	for _, e := range entries {
		s.onEvict(e.key, e.value)
	}
}

func (s *MemoryStore[V]) janitor(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore[V]) sweep() {
	now := s.now()
	var dropped []*memEntry[V]
	s.mu.Lock()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*memEntry[V]); e.expired(now) {
			dropped = append(dropped, e)
			s.removeLocked(el)
		}
		el = prev
	}
	s.mu.Unlock()
	s.evicted(dropped...)
}
