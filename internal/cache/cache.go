// Package cache memoises reads from upstream services, either for the lifetime
// of one request or for a fixed TTL shared by every request.
package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Request caches results for one request. Concurrent lookups of the same key
// share one upstream call. Errors are never cached.
type Request struct {
	entries *lru.Cache[string, any]
	group   singleflight.Group
}

// NewRequest returns a request cache holding at most size entries.
func NewRequest(size int) *Request {
	if size <= 0 {
		size = 128
	}
	entries, err := lru.New[string, any](size)
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	return &Request{entries: entries}
}

// Len returns the number of cached entries.
func (c *Request) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Fetch returns the cached value for key, calling fn on a miss. A nil cache
// always calls fn.
func Fetch[T any](ctx context.Context, c *Request, key string, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	if v, ok := c.entries.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, res)
		return res, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: key %q holds %T", key, v)
	}
	return typed, nil
}

// Key joins parts into a cache key.
func Key(parts ...any) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += fmt.Sprint(p)
	}
	return key
}

// TTL is a size-bounded cache whose entries expire after a fixed duration.
type TTL[V any] struct {
	entries *expirable.LRU[string, V]
}

// NewTTL returns a TTL cache.
func NewTTL[V any](size int, ttl time.Duration) *TTL[V] {
	return &TTL[V]{entries: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns the value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	return c.entries.Get(key)
}

// Add stores value under key.
func (c *TTL[V]) Add(key string, value V) {
	c.entries.Add(key, value)
}

// Remove drops key.
func (c *TTL[V]) Remove(key string) {
	c.entries.Remove(key)
}
