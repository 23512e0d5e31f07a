// Package sloghooks reports polycache events to a *slog.Logger.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/corradodellorusso/polycache"
	"github.com/corradodellorusso/polycache/internal/util"
)

type Options struct {
	// Sampling for noisy events; 0 or 1 logs every occurrence.
	CoalescedEvery uint64
	SelfHealEvery  uint64
	TierReadEvery  uint64

	// Key redactor. Defaults to a short SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	coalescedCtr atomic.Uint64
	selfHealCtr  atomic.Uint64
	tierReadCtr  atomic.Uint64
}

var _ polycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	if opts.Redact == nil {
		opts.Redact = util.Redact
	}
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Coalesced(cache, key string) {
	if h.l == nil || !sample(h.opts.CoalescedEvery, &h.coalescedCtr) {
		return
	}
	h.l.Debug("polycache.coalesced", "cache", cache, "key", h.opts.Redact(key))
}

func (h *Hooks) RefreshStarted(cache, key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("polycache.refresh_started", "cache", cache, "key", h.opts.Redact(key))
}

func (h *Hooks) RefreshFailed(cache, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("polycache.refresh_failed", "cache", cache, "key", h.opts.Redact(key), "err", err)
}

func (h *Hooks) RefreshSkipped(cache, key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("polycache.refresh_skipped", "cache", cache, "key", h.opts.Redact(key))
}

func (h *Hooks) PromoteFailed(cache, key string, from int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("polycache.promote_failed",
		"cache", cache,
		"key", h.opts.Redact(key),
		"from", from,
		"err", err)
}

func (h *Hooks) TierReadFailed(cache string, tier int, err error) {
	if h.l == nil || !sample(h.opts.TierReadEvery, &h.tierReadCtr) {
		return
	}
	h.l.Warn("polycache.tier_read_failed", "cache", cache, "tier", tier, "err", err)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("polycache.self_heal", "key", h.opts.Redact(storageKey), "reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("polycache.provider_set_rejected", "key", h.opts.Redact(storageKey))
}
