// Package cache provides caching implementations for formrules.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
// Locks live beside the LRU list so eviction never drops a held lock.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	locks   map[string]heldLock
}

type heldLock struct {
	token     string
	expiresAt time.Time
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		locks:   make(map[string]heldLock),
	}
}

// Get retrieves a value from cache. A missing or expired key yields nil, nil.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	c.items[fullKey] = c.order.PushFront(&cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: expiresAt,
	})

	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetRuleSet retrieves a cached rule set.
func (c *LRUCache) GetRuleSet(ctx context.Context, tenantID string, setID string) (*domain.RuleSet, error) {
	return getJSON[domain.RuleSet](ctx, c, tenantID, ruleSetKey(setID))
}

// SetRuleSet caches a rule set.
func (c *LRUCache) SetRuleSet(ctx context.Context, tenantID string, set *domain.RuleSet, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, ruleSetKey(set.ID), set, ttl)
}

// GetSnapshot retrieves a cached form snapshot.
func (c *LRUCache) GetSnapshot(ctx context.Context, tenantID string, formKey string) (*domain.FormSnapshot, error) {
	return getJSON[domain.FormSnapshot](ctx, c, tenantID, snapshotKey(formKey))
}

// SetSnapshot caches a form snapshot.
func (c *LRUCache) SetSnapshot(ctx context.Context, tenantID string, snap *domain.FormSnapshot, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, snapshotKey(snap.FormKey), snap, ttl)
}

// AcquireLock takes the lock on key unless a live lock exists.
func (c *LRUCache) AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, lockKey(key))
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, held := c.locks[fullKey]; held && now.Before(l.expiresAt) {
		return "", nil
	}
	token := uuid.New().String()
	c.locks[fullKey] = heldLock{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// ReleaseLock drops the lock on key if token still owns it. A lock that
// expired and was taken by another pass is left alone.
func (c *LRUCache) ReleaseLock(ctx context.Context, tenantID string, key string, token string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, lockKey(key))

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, held := c.locks[fullKey]; held && l.token == token {
		delete(c.locks, fullKey)
	}
	return nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.locks = make(map[string]heldLock)
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}
