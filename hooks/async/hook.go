// Package asynchook runs another Hooks implementation on worker goroutines so
// slow hooks never block cache calls. Events that find the queue full are
// dropped and counted.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/corradodellorusso/polycache"
)

type Hooks struct {
	inner   polycache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ polycache.Hooks = (*Hooks)(nil)

// New starts workers draining a queue of qlen events. workers <= 0 => 1,
// qlen <= 0 => 1024.
func New(inner polycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for range workers {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Dropped reports events lost to a full queue or sent after Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

// Close delivers queued events and stops the workers.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Coalesced(c, k string)      { h.try(func() { h.inner.Coalesced(c, k) }) }
func (h *Hooks) RefreshStarted(c, k string) { h.try(func() { h.inner.RefreshStarted(c, k) }) }
func (h *Hooks) RefreshSkipped(c, k string) { h.try(func() { h.inner.RefreshSkipped(c, k) }) }
func (h *Hooks) RefreshFailed(c, k string, err error) {
	h.try(func() { h.inner.RefreshFailed(c, k, err) })
}
func (h *Hooks) PromoteFailed(c, k string, from int, err error) {
	h.try(func() { h.inner.PromoteFailed(c, k, from, err) })
}
func (h *Hooks) TierReadFailed(c string, tier int, err error) {
	h.try(func() { h.inner.TierReadFailed(c, tier, err) })
}
func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
