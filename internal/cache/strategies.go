package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Producer computes the value for a cache key.
type Producer[T any] func(ctx context.Context) (T, error)

func (p Producer[T]) erase() func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return p(ctx)
	}
}

func as[T any](key string, v any) (T, error) {
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: key %s holds %T", ErrTypeMismatch, key, v)
	}
	return typed, nil
}

// Smart returns the cached value of key or fetches it with produce. Concurrent
// callers for the same key share one fetch and observe the same value or
// error. Stale data is never served. The fetch keeps running if ctx ends
// first; the caller just stops waiting.
func Smart[T any](ctx context.Context, c *Cache, key string, t Tier, produce Producer[T]) (T, error) {
	s := c.store(t)
	if v, ok := c.peek(t, key); ok {
		s.record(resultHit)
		return as[T](key, v)
	}
	return await[T](ctx, c, key, t, produce)
}

// await joins or starts the fetch for key and waits for its result.
func await[T any](ctx context.Context, c *Cache, key string, t Tier, produce Producer[T]) (T, error) {
	var zero T
	s := c.store(t)
	fk := flightKey(t, key)
	if c.claim(fk) {
		s.record(resultMiss)
	} else {
		s.record(resultCoalesced)
		log.Debug().Str("key", key).Str("tier", t.String()).Msg("Joining in-flight fetch")
	}

	ch := c.group.DoChan(fk, c.flightFunc(ctx, key, t, produce.erase()))
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return as[T](key, res.Val)
	}
}

// Optimistic returns a cached value at once, even one about to be replaced,
// and refreshes key in the background unless a fetch is already running.
// Without a cached value it behaves like Smart. Refresh errors are logged and
// counted, never returned.
func Optimistic[T any](ctx context.Context, c *Cache, key string, t Tier, produce Producer[T]) (T, error) {
	s := c.store(t)
	if v, ok := c.peek(t, key); ok {
		s.record(resultHit)
		c.background(ctx, key, t, produce.erase(), "refresh")
		return as[T](key, v)
	}
	return await[T](ctx, c, key, t, produce)
}

// Prefetch warms key in the background when it is neither cached nor being
// fetched. It reports whether a task was scheduled.
func Prefetch[T any](ctx context.Context, c *Cache, key string, t Tier, produce Producer[T]) bool {
	return c.prefetch(ctx, key, t, produce.erase())
}

func (c *Cache) prefetch(ctx context.Context, key string, t Tier, produce func(context.Context) (any, error)) bool {
	if _, ok := c.peek(t, key); ok {
		return false
	}
	return c.background(ctx, key, t, produce, "prefetch")
}

// PrefetchItem is one entry of a BatchPrefetch.
type PrefetchItem struct {
	Key      string
	Tier     Tier
	Producer func(ctx context.Context) (any, error)
}

// BatchPrefetch schedules every item and returns how many were scheduled.
func (c *Cache) BatchPrefetch(ctx context.Context, items []PrefetchItem) int {
	scheduled := 0
	for _, item := range items {
		if c.prefetch(ctx, item.Key, item.Tier, item.Producer) {
			scheduled++
		}
	}
	log.Debug().Int("requested", len(items)).Int("scheduled", scheduled).Msg("Batch prefetch")
	return scheduled
}
