package cache

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chaingate/internal/metrics"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultWorkers   = 16
	defaultQueueSize = 256
)

var (
	// ErrTypeMismatch is returned when a cached value does not have the requested type.
	ErrTypeMismatch = errors.New("cached value has unexpected type")
	// ErrClosed is returned when work is requested from a closed cache.
	ErrClosed = errors.New("cache closed")
)

// Options configure a Cache.
type Options struct {
	TTLs TTLs
	// Workers bounds concurrent background refreshes and prefetches.
	Workers int
	// QueueSize bounds background tasks waiting for a worker. Tasks beyond it are skipped.
	QueueSize int
}

type tierStore struct {
	tier      Tier
	ttl       time.Duration
	items     *ttlcache.Cache[string, any]
	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

func (s *tierStore) record(result string) {
	switch result {
	case resultHit:
		s.hits.Add(1)
	case resultMiss:
		s.misses.Add(1)
	case resultCoalesced:
		s.coalesced.Add(1)
	}
	metrics.CacheRequestsTotal.WithLabelValues(s.tier.String(), result).Inc()
}

const (
	resultHit       = "hit"
	resultMiss      = "miss"
	resultCoalesced = "coalesced"
)

// Cache is a four-tier TTL cache with request coalescing and background refresh.
type Cache struct {
	tiers [tierCount]*tierStore
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}

	pool   pond.Pool
	tasks  sync.WaitGroup
	closed atomic.Bool
}

// New creates a cache and starts the expiry janitor of every tier.
func New(opts Options) *Cache {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	c := &Cache{
		inflight: make(map[string]struct{}),
		pool:     pond.NewPool(workers, pond.WithQueueSize(queue)),
	}
	for _, t := range Tiers {
		ttl := opts.TTLs.For(t)
		items := ttlcache.New[string, any](
			ttlcache.WithTTL[string, any](ttl),
			ttlcache.WithDisableTouchOnHit[string, any](),
		)
		go items.Start()
		c.tiers[t] = &tierStore{tier: t, ttl: ttl, items: items}
	}
	return c
}

func (c *Cache) store(t Tier) *tierStore {
	if !t.valid() {
		t = TierShort
	}
	return c.tiers[t]
}

// TTL returns the default TTL of tier t.
func (c *Cache) TTL(t Tier) time.Duration {
	return c.store(t).ttl
}

// Get returns the value stored under key in tier t and records a hit or a miss.
func (c *Cache) Get(t Tier, key string) (any, bool) {
	s := c.store(t)
	v, ok := c.peek(t, key)
	if ok {
		s.record(resultHit)
	} else {
		s.record(resultMiss)
	}
	return v, ok
}

// peek reads without touching the statistics.
func (c *Cache) peek(t Tier, key string) (any, bool) {
	item := c.store(t).items.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set stores v under key in tier t with the tier's TTL.
func (c *Cache) Set(t Tier, key string, v any) {
	c.store(t).items.Set(key, v, ttlcache.DefaultTTL)
}

// SetWithTTL stores v under key in tier t with an explicit TTL.
func (c *Cache) SetWithTTL(t Tier, key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.store(t).items.Set(key, v, ttl)
}

// InvalidatePattern removes every key containing substr from all tiers and
// returns how many entries were removed.
func (c *Cache) InvalidatePattern(substr string) int {
	return c.invalidate(func(key string) bool { return strings.Contains(key, substr) })
}

// InvalidateRegexp removes every key matching re from all tiers and returns
// how many entries were removed.
func (c *Cache) InvalidateRegexp(re *regexp.Regexp) int {
	return c.invalidate(re.MatchString)
}

func (c *Cache) invalidate(match func(string) bool) int {
	removed := 0
	for _, s := range c.tiers {
		s.items.DeleteExpired()
		for _, key := range s.items.Keys() {
			if !match(key) {
				continue
			}
			s.items.Delete(key)
			removed++
		}
	}
	return removed
}

// flightKey identifies the fetch of key for tier t. Fetches of the same key
// for different tiers run separately so each result lands in its own tier.
func flightKey(t Tier, key string) string {
	return t.String() + "|" + key
}

// Inflight reports whether a fetch for key is registered in any tier.
func (c *Cache) Inflight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range Tiers {
		if _, ok := c.inflight[flightKey(t, key)]; ok {
			return true
		}
	}
	return false
}

// claim registers a fetch under fk. It reports false when one is already
// registered. The registration is dropped by release when the fetch ends.
func (c *Cache) claim(fk string) bool {
	c.mu.Lock()
	if _, ok := c.inflight[fk]; ok {
		c.mu.Unlock()
		return false
	}
	c.inflight[fk] = struct{}{}
	n := len(c.inflight)
	c.mu.Unlock()
	metrics.CacheInflight.Set(float64(n))
	return true
}

func (c *Cache) release(fk string) {
	c.mu.Lock()
	delete(c.inflight, fk)
	n := len(c.inflight)
	c.mu.Unlock()
	metrics.CacheInflight.Set(float64(n))
}

func (c *Cache) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// flightFunc returns the singleflight body for key. The producer runs without
// the caller's cancellation, and a successful result is stored in tier t.
// The fetch registration is released when the body returns.
func (c *Cache) flightFunc(ctx context.Context, key string, t Tier, produce func(context.Context) (any, error)) func() (any, error) {
	fk := flightKey(t, key)
	return func() (any, error) {
		defer c.release(fk)

		v, err := produce(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(t, key, v)
		return v, nil
	}
}

// spawn runs fn on the worker pool. It returns false when the cache is closed
// or the queue is full.
func (c *Cache) spawn(fn func()) bool {
	if c.closed.Load() {
		return false
	}
	c.tasks.Add(1)
	_, ok := c.pool.TrySubmit(func() {
		defer c.tasks.Done()
		fn()
	})
	if !ok {
		c.tasks.Done()
	}
	return ok
}

// background refreshes key on the worker pool unless a fetch is already
// registered. The fetch is registered before it is queued, so hits arriving
// while the task waits for a worker do not queue another one.
func (c *Cache) background(ctx context.Context, key string, t Tier, produce func(context.Context) (any, error), reason string) bool {
	fk := flightKey(t, key)
	if !c.claim(fk) {
		return false
	}
	fn := c.flightFunc(ctx, key, t, produce)
	ok := c.spawn(func() {
		if _, err, _ := c.group.Do(fk, fn); err != nil {
			metrics.CacheRefreshFailuresTotal.WithLabelValues(t.String()).Inc()
			log.Warn().Err(err).Str("key", key).Str("tier", t.String()).Msg("Background " + reason + " failed")
		}
	})
	if !ok {
		c.release(fk)
		log.Warn().Str("key", key).Str("tier", t.String()).Msg("Background queue full or closed, skipping " + reason)
	}
	return ok
}

// Wait blocks until every background task spawned so far has settled.
func (c *Cache) Wait() {
	c.tasks.Wait()
}

// Close waits for queued background work, then stops the pool and the tier janitors.
func (c *Cache) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.pool.StopAndWait()
	for _, s := range c.tiers {
		s.items.Stop()
	}
}
