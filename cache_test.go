package polycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errBoom = errors.New("boom")

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// counter returns a producer yielding its call number (0, 1, ...).
func counter() (Producer[int], *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (int, error) {
		return int(n.Add(1) - 1), nil
	}, &n
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options[int]{})
	assert.Error(t, err)

	_, err = New(Options[int]{Store: NewMemoryStore(MemoryOptions[int]{}), RefreshThreshold: -time.Second})
	assert.Error(t, err)
}

func TestCache_GetNeverWritten(t *testing.T) {
	c := newTestCache[string](t, newMemory[string](t, nil), nil)
	_, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SetGetUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := newTestCache[user](t, newMemory[user](t, clk), nil)

	want := user{ID: "1", Name: "Ada"}
	require.NoError(t, c.Set(ctx, "u:1", want, time.Second))

	got, ok, err := c.Get(ctx, "u:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	clk.Advance(time.Second)
	_, ok, err = c.Get(ctx, "u:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SetUncacheable(t *testing.T) {
	c := newTestCache[*user](t, newMemory[*user](t, nil), nil)

	err := c.Set(context.Background(), "u:1", nil, 0)
	require.ErrorIs(t, err, ErrUncacheable)
	var ue *UncacheableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "u:1", ue.Key)

	err = c.SetMany(context.Background(), []Entry[*user]{{Key: "a", Value: &user{}}, {Key: "b"}})
	assert.ErrorIs(t, err, ErrUncacheable)
	_, ok, _ := c.Get(context.Background(), "a")
	assert.False(t, ok, "batch must be rejected as a whole")
}

func TestCache_WrapColdThenWarm(t *testing.T) {
	ctx := context.Background()
	c := newTestCache[int](t, newMemory[int](t, nil), nil)
	fn, calls := counter()

	v, err := c.Wrap(ctx, "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = c.Wrap(ctx, "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCache_WrapCoalescesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	c := newTestCache[int](t, newMemory[int](t, nil), func(o *Options[int]) { o.Hooks = hooks })

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const n = 50
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Wrap(ctx, "hot", fn)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
	coalesced := hooks.count("coalesced")
	assert.Positive(t, coalesced)
	assert.Less(t, coalesced, n, "the caller running the producer is not counted")
}

func TestCache_WrapWithoutCoalescing(t *testing.T) {
	ctx := context.Background()
	c := newTestCache[int](t, newMemory[int](t, nil), nil)

	const n = 8
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		started.Done()
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Wrap(ctx, "k", fn, WithoutCoalescing())
		}()
	}
	started.Wait()
	close(release)
	wg.Wait()

	assert.EqualValues(t, n, calls.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCache_WrapProducerErrorReachesWaiters(t *testing.T) {
	ctx := context.Background()
	c := newTestCache[int](t, newMemory[int](t, nil), nil)

	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		<-release
		return 0, errBoom
	}

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Wrap(ctx, "k", fn)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, errBoom)
	}
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok, "failed producer must not write")
}

func TestCache_WrapCallerCancelDoesNotAbortOthers(t *testing.T) {
	c := newTestCache[int](t, newMemory[int](t, nil), nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		close(entered)
		<-release
		return 5, ctx.Err()
	}

	cctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Wrap(cctx, "k", fn)
		first <- err
	}()
	<-entered

	second := make(chan int, 1)
	go func() {
		v, _ := c.Wrap(context.Background(), "k", fn)
		second <- v
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.Equal(t, 5, <-second)
	v, ok, _ := c.Get(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestCache_RefreshAhead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := &recordingHooks{}
	c := newTestCache[int](t, newMemory[int](t, clk), func(o *Options[int]) {
		o.TTL = 5 * time.Second
		o.RefreshThreshold = 4 * time.Second
		o.Hooks = hooks
	})
	constant := func(v int) Producer[int] {
		return func(context.Context) (int, error) { return v, nil }
	}

	v, err := c.Wrap(ctx, "k", constant(0))
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	clk.Advance(2 * time.Second)
	v, err = c.Wrap(ctx, "k", constant(1))
	require.NoError(t, err)
	assert.Equal(t, 0, v, "stale value is served while refreshing")

	require.NoError(t, c.Wait(ctx))
	v, err = c.Wrap(ctx, "k", constant(2))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, hooks.count("refresh_started"))

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ttl, "refreshed entry gets the resolved ttl")
}

func TestCache_RefreshThresholdBoundaries(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := newTestCache[int](t, newMemory[int](t, clk), func(o *Options[int]) {
		o.RefreshThreshold = time.Minute
	})
	fn, calls := counter()

	// No expiry never refreshes.
	require.NoError(t, c.Set(ctx, "forever", 9, NoExpiry))
	_, err := c.Wrap(ctx, "forever", fn)
	require.NoError(t, err)

	// Remaining exactly at the threshold does not refresh.
	require.NoError(t, c.Set(ctx, "edge", 9, time.Minute))
	_, err = c.Wrap(ctx, "edge", fn)
	require.NoError(t, err)

	// Per-call override disables refresh.
	require.NoError(t, c.Set(ctx, "off", 9, time.Second))
	_, err = c.Wrap(ctx, "off", fn, WithRefreshThreshold(0))
	require.NoError(t, err)

	require.NoError(t, c.Wait(ctx))
	assert.Zero(t, calls.Load())
}

func TestCache_RefreshOncePerKey(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := newTestCache[int](t, newMemory[int](t, clk), func(o *Options[int]) {
		o.RefreshThreshold = time.Minute
	})
	require.NoError(t, c.Set(ctx, "k", 1, time.Second))

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 2, nil
	}
	for range 5 {
		v, err := c.Wrap(ctx, "k", fn)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	}
	close(release)
	require.NoError(t, c.Wait(ctx))
	assert.EqualValues(t, 1, calls.Load())
}

func TestCache_RefreshFailuresStayInBackground(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := &recordingHooks{}
	c := newTestCache[int](t, newMemory[int](t, clk), func(o *Options[int]) {
		o.RefreshThreshold = time.Minute
		o.Hooks = hooks
	})

	require.NoError(t, c.Set(ctx, "err", 1, time.Second))
	v, err := c.Wrap(ctx, "err", func(context.Context) (int, error) { return 0, errBoom })
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, c.Set(ctx, "panic", 1, time.Second))
	v, err = c.Wrap(ctx, "panic", func(context.Context) (int, error) { panic("kaboom") })
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, 2, hooks.count("refresh_failed"))

	var pe *PanicError
	for _, e := range hooks.events {
		if e.name == "refresh_failed" && e.key == "panic" {
			require.ErrorAs(t, e.err, &pe)
			assert.Equal(t, "kaboom", pe.Value)
		}
		if e.name == "refresh_failed" && e.key == "err" {
			assert.ErrorIs(t, e.err, errBoom)
		}
	}
	got, _, _ := c.Get(ctx, "err")
	assert.Equal(t, 1, got)
}

func TestCache_RefreshFencedByWrites(t *testing.T) {
	for _, tc := range []struct {
		name   string
		change func(ctx context.Context, c *Cache[int]) error
		want   int
		found  bool
	}{
		{"del", func(ctx context.Context, c *Cache[int]) error { return c.Del(ctx, "k") }, 0, false},
		{"set", func(ctx context.Context, c *Cache[int]) error { return c.Set(ctx, "k", 3, time.Hour) }, 3, true},
		{"reset", func(ctx context.Context, c *Cache[int]) error { return c.Reset(ctx) }, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			hooks := &recordingHooks{}
			c := newTestCache[int](t, newMemory[int](t, newClock()), func(o *Options[int]) {
				o.RefreshThreshold = time.Minute
				o.Hooks = hooks
			})
			require.NoError(t, c.Set(ctx, "k", 1, time.Second))

			release := make(chan struct{})
			_, err := c.Wrap(ctx, "k", func(context.Context) (int, error) {
				<-release
				return 2, nil
			})
			require.NoError(t, err)

			require.NoError(t, tc.change(ctx, c))
			close(release)
			require.NoError(t, c.Wait(ctx))

			v, ok, _ := c.Get(ctx, "k")
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, v)
			assert.Equal(t, 1, hooks.count("refresh_skipped"))
		})
	}
}

func TestCache_RefreshFencedByWrapMiss(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := &recordingHooks{}
	c := newTestCache[int](t, newMemory[int](t, clk), func(o *Options[int]) {
		o.RefreshThreshold = time.Minute
		o.Hooks = hooks
	})
	require.NoError(t, c.Set(ctx, "k", 1, time.Second))

	release := make(chan struct{})
	_, err := c.Wrap(ctx, "k", func(context.Context) (int, error) {
		<-release
		return 2, nil
	})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	v, err := c.Wrap(ctx, "k", func(context.Context) (int, error) { return 3, nil }, WithTTL(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	close(release)
	require.NoError(t, c.Wait(ctx))

	v, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 1, hooks.count("refresh_skipped"))
}

func TestCache_RefreshUnfencedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	c := newTestCache[int](t, newMemory[int](t, newClock()), func(o *Options[int]) {
		o.RefreshThreshold = time.Minute
		o.DisableFencing = true
	})
	require.NoError(t, c.Set(ctx, "k", 1, time.Second))

	release := make(chan struct{})
	_, err := c.Wrap(ctx, "k", func(context.Context) (int, error) {
		<-release
		return 2, nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Del(ctx, "k"))
	close(release)
	require.NoError(t, c.Wait(ctx))

	v, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_WrapTTLFunc(t *testing.T) {
	ctx := context.Background()
	c := newTestCache[string](t, newMemory[string](t, newClock()), nil)
	short := WithTTLFunc(func(v string) time.Duration {
		if v == "" {
			return time.Second
		}
		return time.Hour
	})

	_, err := c.Wrap(ctx, "empty", func(context.Context) (string, error) { return "", nil }, short, WithTTL(time.Minute))
	require.NoError(t, err)
	_, err = c.Wrap(ctx, "full", func(context.Context) (string, error) { return "x", nil }, short)
	require.NoError(t, err)

	d, _ := c.TTL(ctx, "empty")
	assert.Equal(t, time.Second, d)
	d, _ = c.TTL(ctx, "full")
	assert.Equal(t, time.Hour, d)
}

func TestCache_WrapTTLFuncTypeMismatch(t *testing.T) {
	c := newTestCache[string](t, newMemory[string](t, nil), nil)
	var calls atomic.Int32
	_, err := c.Wrap(context.Background(), "k", func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}, WithTTLFunc(func(int) time.Duration { return time.Second }))
	assert.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestCache_BatchUsesDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache[int](t, newMemory[int](t, newClock()), func(o *Options[int]) { o.TTL = time.Minute })

	require.NoError(t, c.SetMany(ctx, []Entry[int]{{Key: "a", Value: 1}, {Key: "b", Value: 2, TTL: time.Hour}}))
	got, err := c.GetMany(ctx, "a", "missing", "b")
	require.NoError(t, err)
	assert.Equal(t, []Lookup[int]{{Value: 1, Found: true}, {}, {Value: 2, Found: true}}, got)

	d, _ := c.TTL(ctx, "a")
	assert.Equal(t, time.Minute, d)
	d, _ = c.TTL(ctx, "b")
	assert.Equal(t, time.Hour, d)

	require.NoError(t, c.DelMany(ctx, "a", "b"))
	keys, err := c.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCache_StoreErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockStore[int](ctrl)
	c := newTestCache[int](t, store, nil)

	store.EXPECT().Get(gomock.Any(), "k").Return(0, false, errBoom).Times(2)
	store.EXPECT().Set(gomock.Any(), "k", 1, time.Minute).Return(errBoom)

	_, _, err := c.Get(ctx, "k")
	assert.Same(t, errBoom, err)

	fn, calls := counter()
	_, err = c.Wrap(ctx, "k", fn)
	assert.Same(t, errBoom, err)
	assert.Zero(t, calls.Load(), "producer must not run when the read fails")

	assert.Same(t, errBoom, c.Set(ctx, "k", 1, time.Minute))
}

func TestCache_WrapWriteErrorReachesCaller(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockStore[int](ctrl)
	c := newTestCache[int](t, store, func(o *Options[int]) { o.TTL = time.Second })

	store.EXPECT().Get(gomock.Any(), "k").Return(0, false, nil)
	store.EXPECT().Set(gomock.Any(), "k", 0, time.Second).Return(errBoom)

	fn, _ := counter()
	_, err := c.Wrap(ctx, "k", fn)
	assert.ErrorIs(t, err, errBoom)
}
