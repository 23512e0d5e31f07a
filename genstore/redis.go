package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bumpScript increments a counter and, when ARGV[1] > 0, refreshes its expiry
// in the same round-trip.
var bumpScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return v
`)

// RedisGenStore shares generations between processes writing to the same
// backing store. Counters live at "gen:<namespace>:<key>".
type RedisGenStore struct {
	rdb         redis.UniversalClient
	ns          string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*RedisGenStore)(nil)

type RedisOption func(*RedisGenStore)

// WithKeyTTL expires counters idle for ttl. An expired counter reads as 0,
// which at worst makes one pending refresh skip its write.
func WithKeyTTL(ttl time.Duration) RedisOption {
	return func(s *RedisGenStore) { s.ttl = ttl }
}

// WithOwnedClient makes Close close the client.
func WithOwnedClient() RedisOption {
	return func(s *RedisGenStore) { s.closeClient = true }
}

func NewRedisGenStore(client redis.UniversalClient, namespace string, opts ...RedisOption) *RedisGenStore {
	s := &RedisGenStore{rdb: client, ns: namespace}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisGenStore) key(k string) string { return "gen:" + s.ns + ":" + k }

func (s *RedisGenStore) Snapshot(ctx context.Context, key string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(key, res)
}

func (s *RedisGenStore) SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rk := make([]string, len(keys))
	for i, k := range keys {
		rk[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, rk...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			out[keys[i]] = 0
			continue
		}
		g, err := parseGen(keys[i], fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		out[keys[i]] = g
	}
	return out, nil
}

func (s *RedisGenStore) Bump(ctx context.Context, key string) (uint64, error) {
	v, err := bumpScript.Run(ctx, s.rdb, []string{s.key(key)}, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (s *RedisGenStore) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func parseGen(key, raw string) (uint64, error) {
	g, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: bad generation for %q: %w", key, err)
	}
	return g, nil
}
