// Package ristretto adapts dgraph-io/ristretto to provider.Provider.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/corradodellorusso/polycache/provider"
)

type Provider struct {
	c          *rc.Cache
	sync       bool
	clearOwned bool
}

var (
	_ pr.Provider = (*Provider)(nil)
	_ pr.Clearer  = (*Provider)(nil)
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool

	// SyncWrites waits for each Set to be applied, so a Get right after
	// Set sees the value. Ristretto buffers writes otherwise.
	SyncWrites bool

	// Dedicated means nothing else writes to this ristretto instance.
	// Ristretto cannot enumerate keys, so a prefix Clear is only possible
	// by clearing everything.
	Dedicated bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, sync: cfg.SyncWrites, clearOwned: cfg.Dedicated}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set maps ttl <= 0 to ristretto's "no expiry". ok=false means the write
// was dropped by admission or a full buffer.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	if ok && p.sync {
		p.c.Wait()
	}
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Clear(_ context.Context, prefix string) error {
	if prefix != "" && !p.clearOwned {
		return pr.ErrUnsupported
	}
	p.c.Clear()
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters (nil unless Config.Metrics).
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
