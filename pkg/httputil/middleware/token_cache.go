package middleware

import (
	"sync"
	"time"
)

// TokenCache is an in-memory cache with per-item expiration.
type TokenCache[V any] struct {
	items map[string]cacheItem[V]
	now   func() time.Time
	mu    sync.RWMutex
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

func NewTokenCache[V any]() *TokenCache[V] {
	return &TokenCache[V]{
		items: make(map[string]cacheItem[V]),
		now:   time.Now,
	}
}

// Set adds an item to the cache with a specified expiration duration
func (c *TokenCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem[V]{value: value, expiration: c.now().Add(ttl)}
}

// Get retrieves an unexpired item.
func (c *TokenCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()
	var zero V
	if !found {
		return zero, false
	}
	if c.now().After(item.expiration) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

// CleanupExpired removes expired items from the cache
func (c *TokenCache[V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}

func (c *TokenCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
