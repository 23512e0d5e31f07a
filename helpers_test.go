package polycache

import (
	"context"
	"path"
	"sync"
	"testing"
	"time"

	pr "github.com/corradodellorusso/polycache/provider"
)

// clock is a settable time source for stores under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory[V any](t *testing.T, clk *clock) *MemoryStore[V] {
	t.Helper()
	s := NewMemoryStore(MemoryOptions[V]{})
	if clk != nil {
		s.now = clk.Now
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newTestCache[V any](t *testing.T, s Store[V], mutate func(*Options[V])) *Cache[V] {
	t.Helper()
	opts := Options[V]{Store: s, Name: t.Name()}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// event is one recorded hook call.
type event struct {
	name, key string
	err       error
}

type recordingHooks struct {
	NopHooks
	mu     sync.Mutex
	events []event
}

func (h *recordingHooks) add(e event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *recordingHooks) Coalesced(_, key string)      { h.add(event{name: "coalesced", key: key}) }
func (h *recordingHooks) RefreshStarted(_, key string) { h.add(event{name: "refresh_started", key: key}) }
func (h *recordingHooks) RefreshSkipped(_, key string) { h.add(event{name: "refresh_skipped", key: key}) }
func (h *recordingHooks) RefreshFailed(_, key string, err error) {
	h.add(event{name: "refresh_failed", key: key, err: err})
}
func (h *recordingHooks) PromoteFailed(_, key string, _ int, err error) {
	h.add(event{name: "promote_failed", key: key, err: err})
}
func (h *recordingHooks) TierReadFailed(_ string, _ int, err error) {
	h.add(event{name: "tier_read_failed", err: err})
}
func (h *recordingHooks) SelfHeal(key, reason string) {
	h.add(event{name: "self_heal:" + reason, key: key})
}
func (h *recordingHooks) ProviderSetRejected(key string) {
	h.add(event{name: "set_rejected", key: key})
}

func (h *recordingHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (h *recordingHooks) first(name string) (event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.name == name {
			return e, true
		}
	}
	return event{}, false
}

type memItem struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is a map-backed provider that can also refuse writes.
type memProvider struct {
	mu     sync.Mutex
	m      map[string]memItem
	reject bool
	now    func() time.Time
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider {
	return &memProvider{m: make(map[string]memItem), now: time.Now}
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !p.now().Before(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = p.now().Add(ttl)
	}
	p.m[key] = memItem{v: append([]byte(nil), value...), exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) raw(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	return e.v, ok
}

func (p *memProvider) put(key string, b []byte) {
	p.mu.Lock()
	p.m[key] = memItem{v: b}
	p.mu.Unlock()
}

// scanProvider adds glob key listing to memProvider.
type scanProvider struct{ *memProvider }

var _ pr.Scanner = scanProvider{}

func (p scanProvider) Keys(_ context.Context, pattern string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.m {
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, err
		} else if ok {
			out = append(out, k)
		}
	}
	return out, nil
}
