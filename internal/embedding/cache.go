package embedding

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheSize is the number of texts an embedding cache holds.
	DefaultCacheSize = 128
	// DefaultComputeTimeout bounds one provider call made on a miss.
	DefaultComputeTimeout = 30 * time.Second
)

// Cache is a bounded LRU of text to embedding in front of a Provider. A hit
// returns exactly what the provider returned for that text. Concurrent misses
// for the same text share one provider call; the lock is never held while
// the provider runs. Cache itself satisfies Provider.
type Cache struct {
	provider Provider
	capacity int
	timeout  time.Duration
	onLookup func(hit bool)

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element

	group singleflight.Group
}

type cacheEntry struct {
	text string
	vec  []float32
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLookupHook registers fn to be called with the outcome of every lookup.
func WithLookupHook(fn func(hit bool)) CacheOption {
	return func(c *Cache) { c.onLookup = fn }
}

// WithComputeTimeout bounds each provider call made on a miss. d <= 0 keeps
// DefaultComputeTimeout.
func WithComputeTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCache wraps p in an LRU holding up to capacity entries. capacity <= 0
// selects DefaultCacheSize.
func NewCache(p Provider, capacity int, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	c := &Cache{
		provider: p,
		capacity: capacity,
		timeout:  DefaultComputeTimeout,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompute returns the cached embedding for text, computing and caching
// it on a miss. Provider failures are returned and nothing is cached.
//
// A shared computation is detached from the caller that started it and is
// bounded by the cache's compute timeout instead, so one cancelled caller
// never fails the others waiting on the same text. Each caller still stops
// waiting when its own ctx is done.
func (c *Cache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.get(text); ok {
		c.record(true)
		return clone(vec), nil
	}
	c.record(false)
	if err := ctx.Err(); err != nil {
		return nil, wrapErr(c.provider.Model(), err)
	}

	ch := c.group.DoChan(text, func() (any, error) {
		if vec, ok := c.get(text); ok {
			return vec, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		vec, err := c.provider.Embed(cctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != c.provider.Dimension() {
			return nil, fmt.Errorf("provider returned %d values, want %d", len(vec), c.provider.Dimension())
		}
		vec = clone(vec)
		c.add(text, vec)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, wrapErr(c.provider.Model(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, wrapErr(c.provider.Model(), res.Err)
		}
		return clone(res.Val.([]float32)), nil
	}
}

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.GetOrCompute(ctx, text)
}

func (c *Cache) Dimension() int { return c.provider.Dimension() }

func (c *Cache) Model() string { return c.provider.Model() }

// Len returns the number of cached texts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Contains reports whether text is cached without touching its recency.
func (c *Cache) Contains(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[text]
	return ok
}

func (c *Cache) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[text]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *Cache) add(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[text]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).vec = vec
		return
	}
	c.items[text] = c.ll.PushFront(&cacheEntry{text: text, vec: vec})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).text)
	}
}

func (c *Cache) record(hit bool) {
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}

func clone(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
