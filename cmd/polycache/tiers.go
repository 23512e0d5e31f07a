package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/corradodellorusso/polycache"
	"github.com/corradodellorusso/polycache/codec"
	"github.com/corradodellorusso/polycache/genstore"
	asynchook "github.com/corradodellorusso/polycache/hooks/async"
	"github.com/corradodellorusso/polycache/internal/config"
	polyzap "github.com/corradodellorusso/polycache/log/zap"
	"github.com/corradodellorusso/polycache/provider"
	"github.com/corradodellorusso/polycache/provider/bigcache"
	pmongo "github.com/corradodellorusso/polycache/provider/mongo"
	predis "github.com/corradodellorusso/polycache/provider/redis"
	"github.com/corradodellorusso/polycache/provider/ristretto"
	"github.com/corradodellorusso/polycache/sloghooks"
)

// app is the cache stack a command runs against.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	hooks  *asynchook.Hooks
	tiers  []*polycache.Cache[string]
	tiered *polycache.Tiered[string]
}

func buildApp(ctx context.Context, cfg config.Config, zl *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: zl}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close(ctx))
		}
	}()
	logger := polyzap.New(zl)
	a.hooks = newHooks(cfg.LogLevel)

	l1, err := a.memoryStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("l1: %w", err)
	}
	if err := a.addTier("l1", l1, nil, cfg.Memory.TTL.D(), logger); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		p, err := predis.New(predis.Config{Client: rdb, CloseClient: true})
		if err != nil {
			return nil, err
		}
		gens := genstore.NewRedisGenStore(rdb, cfg.Namespace, genstore.WithKeyTTL(cfg.Redis.GenTTL.D()))
		if err := a.addProviderTier("l2-redis", p, gens, logger); err != nil {
			return nil, err
		}
	}

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		p, err := pmongo.New(ctx, pmongo.Config{
			Collection:  client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection),
			EnsureIndex: true,
			Disconnect:  true,
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("mongo: %w", err)
		}
		if err := a.addProviderTier("l3-mongo", p, nil, logger); err != nil {
			return nil, err
		}
	}

	ts := make([]polycache.Tier[string], len(a.tiers))
	for i, c := range a.tiers {
		ts[i] = c
	}
	a.tiered, err = polycache.NewTiered(polycache.TieredOptions[string]{
		Tiers:      ts,
		Name:       cfg.Name,
		Logger:     logger,
		Hooks:      a.hooks,
		PromoteTTL: cfg.PromoteTTL.D(),
	})
	if err != nil {
		return nil, err
	}
	zl.Debug("cache stack ready", zap.Int("tiers", len(a.tiers)), zap.String("l1", cfg.Memory.Backend))
	return a, nil
}

func (a *app) memoryStore(ctx context.Context) (polycache.Store[string], error) {
	m := a.cfg.Memory
	switch m.Backend {
	case "ristretto":
		n := int64(m.MaxEntries)
		if n <= 0 {
			n = 10000
		}
		p, err := ristretto.New(ristretto.Config{
			NumCounters: n * 10,
			MaxCost:     n,
			BufferItems: 64,
			SyncWrites:  true,
			Dedicated:   true,
		})
		if err != nil {
			return nil, err
		}
		return a.providerStore(p, m.TTL.D())
	case "bigcache":
		life := m.TTL.D()
		if life <= 0 {
			life = 10 * time.Minute
		}
		p, err := bigcache.New(ctx, bigcache.Config{LifeWindow: life, MaxEntriesInWindow: m.MaxEntries})
		if err != nil {
			return nil, err
		}
		return a.providerStore(p, m.TTL.D())
	default:
		return polycache.NewMemoryStore(polycache.MemoryOptions[string]{
			MaxEntries:      m.MaxEntries,
			TTL:             m.TTL.D(),
			CleanupInterval: time.Minute,
		}), nil
	}
}

func (a *app) providerStore(p provider.Provider, ttl time.Duration) (*polycache.ProviderStore[string], error) {
	return polycache.NewProviderStore(polycache.ProviderStoreOptions[string]{
		Provider:  p,
		Codec:     codec.String{},
		Namespace: a.cfg.Namespace,
		TTL:       ttl,
		Logger:    polyzap.New(a.log),
		Hooks:     a.hooks,
	})
}

func (a *app) addProviderTier(name string, p provider.Provider, gens genstore.GenStore, logger polycache.Logger) error {
	s, err := a.providerStore(p, a.cfg.TTL.D())
	if err != nil {
		_ = p.Close(context.Background())
		return fmt.Errorf("%s: %w", name, err)
	}
	return a.addTier(name, s, gens, a.cfg.TTL.D(), logger)
}

func (a *app) addTier(name string, s polycache.Store[string], gens genstore.GenStore, ttl time.Duration, logger polycache.Logger) error {
	c, err := polycache.New(polycache.Options[string]{
		Store:            s,
		Name:             name,
		Logger:           logger,
		TTL:              ttl,
		RefreshThreshold: a.cfg.RefreshThreshold.D(),
		GenStore:         gens,
		Hooks:            a.hooks,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	a.tiers = append(a.tiers, c)
	return nil
}

type storeCloser interface {
	Close(ctx context.Context) error
}

// close drains background work and releases every backend.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.tiered != nil {
		errs = append(errs, a.tiered.Wait(ctx))
	}
	for _, c := range a.tiers {
		errs = append(errs, c.Close(ctx))
		if sc, ok := c.Store().(storeCloser); ok {
			errs = append(errs, sc.Close(ctx))
		}
	}
	if a.hooks != nil {
		a.hooks.Close()
		if n := a.hooks.Dropped(); n > 0 {
			a.log.Warn("cache events dropped", zap.Uint64("count", n))
		}
	}
	return multierr.Combine(errs...)
}

// newHooks reports cache events on stderr off the hot path. Noisy events
// are sampled.
func newHooks(level string) *asynchook.Hooks {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	sl := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return asynchook.New(sloghooks.New(sl, sloghooks.Options{
		CoalescedEvery: 100,
		SelfHealEvery:  10,
		TierReadEvery:  10,
	}), 1, 1024)
}
