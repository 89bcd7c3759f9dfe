package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttls TTLs) *Cache {
	t.Helper()
	c := New(Options{TTLs: ttls, Workers: 4, QueueSize: 16})
	t.Cleanup(c.Close)
	return c
}

func TestSmart_CoalescesConcurrentCallers(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Smart(context.Background(), c, "k", TierShort, producer)
		}(i)
	}

	require.Eventually(t, func() bool {
		st := c.Stats().Short
		return st.Misses+st.Coalesced == callers
	}, time.Second, time.Millisecond)
	// Give the last callers time to join the flight after being counted.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "value", results[i])
	}
	assert.False(t, c.Inflight("k"))

	st := c.Stats().Short
	assert.Equal(t, int64(1), st.Misses, "only the caller that started the fetch is a miss")
	assert.Equal(t, int64(callers-1), st.Coalesced)

	v, ok := c.Get(TierShort, "k")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestSmart_ErrorReachesEveryCallerAndClearsInflight(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	boom := errors.New("upstream down")
	var calls atomic.Int32
	release := make(chan struct{})
	failing := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 0, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Smart(context.Background(), c, "k", TierShort, failing)
		}(i)
	}
	require.Eventually(t, func() bool { return c.Inflight("k") }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		st := c.Stats().Short
		return st.Misses+st.Coalesced == 5
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.False(t, c.Inflight("k"))
	_, ok := c.Get(TierShort, "k")
	assert.False(t, ok, "errors are not cached")

	v, err := Smart(context.Background(), c, "k", TierShort, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestSmart_HitSkipsProducer(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierMedium, "k", "cached")

	v, err := Smart(context.Background(), c, "k", TierMedium, func(ctx context.Context) (string, error) {
		t.Fatal("producer must not run on a hit")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
	assert.Equal(t, int64(1), c.Stats().Medium.Hits)
}

func TestSmart_CallerCancellationDoesNotStopFetch(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	done := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		return "late", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Smart(ctx, c, "k", TierShort, producer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-done
	require.Eventually(t, func() bool { return !c.Inflight("k") }, time.Second, time.Millisecond)
	v, ok := c.Get(TierShort, "k")
	require.True(t, ok)
	assert.Equal(t, "late", v)
}

func TestSmart_TypeMismatch(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierShort, "k", 42)

	_, err := Smart(context.Background(), c, "k", TierShort, func(ctx context.Context) (string, error) { return "", nil })
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSmart_TiersFetchSeparately(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	for _, tier := range []Tier{TierInstant, TierLong} {
		wg.Add(1)
		go func(tier Tier) {
			defer wg.Done()
			_, err := Smart(context.Background(), c, "k", tier, producer)
			assert.NoError(t, err)
		}(tier)
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	_, ok := c.Get(TierInstant, "k")
	assert.True(t, ok)
	_, ok = c.Get(TierLong, "k")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, TTLs{Instant: 100 * time.Millisecond})
	c.Set(TierInstant, "k", "v")

	time.Sleep(50 * time.Millisecond)
	_, ok := c.Get(TierInstant, "k")
	assert.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	_, ok = c.Get(TierInstant, "k")
	assert.False(t, ok)
}

func TestSetWithTTL_Override(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.SetWithTTL(TierLong, "k", "v", 50*time.Millisecond)

	_, ok := c.Get(TierLong, "k")
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)
	_, ok = c.Get(TierLong, "k")
	assert.False(t, ok)
}

func TestOptimistic_ServesStaleWhileRefreshing(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierShort, "k", "V")

	producer := func(ctx context.Context) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "V2", nil
	}

	start := time.Now()
	v, err := Optimistic(context.Background(), c, "k", TierShort, producer)
	require.NoError(t, err)
	assert.Equal(t, "V", v)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	c.Wait()
	v, err = Optimistic(context.Background(), c, "k", TierShort, producer)
	require.NoError(t, err)
	assert.Equal(t, "V2", v)
	c.Wait()
}

func TestOptimistic_SingleRefreshInFlight(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierShort, "k", 1)

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 2, nil
	}

	_, err := Optimistic(context.Background(), c, "k", TierShort, producer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Inflight("k") }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		v, err := Optimistic(context.Background(), c, "k", TierShort, producer)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	}
	close(release)
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestOptimistic_QueuedRefreshIsNotDuplicated(t *testing.T) {
	c := New(Options{TTLs: DefaultTTLs(), Workers: 1, QueueSize: 16})
	t.Cleanup(c.Close)

	// Occupy the only worker so refreshes wait in the queue.
	started := make(chan struct{})
	unblock := make(chan struct{})
	require.True(t, Prefetch(context.Background(), c, "busy", TierShort, func(ctx context.Context) (int, error) {
		close(started)
		<-unblock
		return 0, nil
	}))
	<-started

	c.Set(TierShort, "k", 1)
	var calls atomic.Int32
	producer := func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 2, nil
	}
	for i := 0; i < 5; i++ {
		v, err := Optimistic(context.Background(), c, "k", TierShort, producer)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	}
	assert.True(t, c.Inflight("k"), "a queued refresh counts as in flight")

	close(unblock)
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, c.Inflight("k"))
	v, ok := c.Get(TierShort, "k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestOptimistic_RefreshFailureKeepsOldValue(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierShort, "k", "old")

	v, err := Optimistic(context.Background(), c, "k", TierShort, func(ctx context.Context) (string, error) {
		return "", errors.New("refresh failed")
	})
	require.NoError(t, err)
	assert.Equal(t, "old", v)
	c.Wait()

	got, ok := c.Get(TierShort, "k")
	require.True(t, ok)
	assert.Equal(t, "old", got)
	assert.False(t, c.Inflight("k"))
}

func TestOptimistic_MissWaitsForFetch(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	v, err := Optimistic(context.Background(), c, "k", TierInstant, func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int64(1), c.Stats().Instant.Misses)
}

func TestPrefetch(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	var calls atomic.Int32
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "warm", nil
	}

	assert.True(t, Prefetch(context.Background(), c, "k", TierMedium, producer))
	c.Wait()
	v, ok := c.Get(TierMedium, "k")
	require.True(t, ok)
	assert.Equal(t, "warm", v)

	assert.False(t, Prefetch(context.Background(), c, "k", TierMedium, producer), "cached keys are not prefetched")
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestPrefetch_ErrorsAreSwallowed(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	scheduled := Prefetch(context.Background(), c, "k", TierShort, func(ctx context.Context) (string, error) {
		return "", errors.New("nope")
	})
	assert.True(t, scheduled)
	c.Wait()
	_, ok := c.Get(TierShort, "k")
	assert.False(t, ok)
	assert.False(t, c.Inflight("k"))
}

func TestBatchPrefetch(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierInstant, "cached", "x")

	items := []PrefetchItem{
		{Key: "a", Tier: TierInstant, Producer: func(ctx context.Context) (any, error) { return "A", nil }},
		{Key: "b", Tier: TierMedium, Producer: func(ctx context.Context) (any, error) { return "B", nil }},
		{Key: "cached", Tier: TierInstant, Producer: func(ctx context.Context) (any, error) { return "X", nil }},
	}
	assert.Equal(t, 2, c.BatchPrefetch(context.Background(), items))
	c.Wait()

	v, _ := c.Get(TierMedium, "b")
	assert.Equal(t, "B", v)
	v, _ = c.Get(TierInstant, "cached")
	assert.Equal(t, "x", v)
}

func TestInvalidatePattern_AcrossTiers(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierInstant, "blocks_chainX", 1)
	c.Set(TierShort, "blocks_chainX_latest", 2)
	c.Set(TierMedium, "old_blocks_chainX", 3)
	c.Set(TierLong, "blocks_chainX", 4)
	c.Set(TierLong, "blocks_chainY", 5)
	c.Set(TierShort, "validators_chainX", 6)

	assert.Equal(t, 4, c.InvalidatePattern("blocks_chainX"))
	for _, tier := range Tiers {
		for _, key := range []string{"blocks_chainX", "blocks_chainX_latest", "old_blocks_chainX"} {
			_, ok := c.Get(tier, key)
			assert.False(t, ok, "%s still present in %s", key, tier)
		}
	}
	_, ok := c.Get(TierLong, "blocks_chainY")
	assert.True(t, ok)
	_, ok = c.Get(TierShort, "validators_chainX")
	assert.True(t, ok)

	assert.Equal(t, 0, c.InvalidatePattern("blocks_chainX"))
}

func TestInvalidateRegexp(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	c.Set(TierShort, "rest_osmosis_/a", 1)
	c.Set(TierShort, "rpc_osmosis_status", 2)
	c.Set(TierShort, "rpc_juno_status", 3)

	assert.Equal(t, 2, c.InvalidateRegexp(regexp.MustCompile(`^(rest|rpc)_osmosis_`)))
	_, ok := c.Get(TierShort, "rpc_juno_status")
	assert.True(t, ok)
}

func TestStatsAndSummary(t *testing.T) {
	c := newTestCache(t, DefaultTTLs())
	assert.Equal(t, "0.00%", c.Stats().Summary().HitRate)

	c.Set(TierShort, "a", 1)
	c.Set(TierLong, "b", 2)
	c.Get(TierShort, "a")
	c.Get(TierShort, "a")
	c.Get(TierShort, "a")
	c.Get(TierShort, "missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Short.Keys)
	assert.Equal(t, int64(3), stats.Short.Hits)
	assert.Equal(t, int64(1), stats.Short.Misses)
	assert.Equal(t, float64(30), stats.Short.TTLSeconds)
	assert.Equal(t, 0, stats.Inflight)

	sum := stats.Summary()
	assert.Equal(t, 2, sum.TotalKeys)
	assert.Equal(t, int64(3), sum.TotalHits)
	assert.Equal(t, int64(1), sum.TotalMisses)
	assert.Equal(t, "75.00%", sum.HitRate)
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	got, err := ParseTier("MEDIUM")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, got)

	_, err = ParseTier("forever")
	assert.Error(t, err)
}

func TestClose_RejectsBackgroundWork(t *testing.T) {
	c := New(Options{})
	c.Close()
	c.Close()

	scheduled := Prefetch(context.Background(), c, "k", TierShort, func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("must not run")
	})
	assert.False(t, scheduled)
	assert.False(t, c.Inflight("k"), "a task that could not be scheduled is not left registered")

	c.Set(TierShort, "k", "cached")
	v, err := Optimistic(context.Background(), c, "k", TierShort, func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("must not run")
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
	assert.False(t, c.Inflight("k"))
}
