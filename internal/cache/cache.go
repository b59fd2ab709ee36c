package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// ErrLocked is returned when a form lock is held by another pass.
var ErrLocked = errors.New("form is locked by another pass")

// lockPollInterval is how often WithLock retries a held lock.
const lockPollInterval = 20 * time.Millisecond

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// WithLock runs fn while holding the lock on key. A held lock is retried
// until wait elapses, after which ErrLocked is returned.
func WithLock(ctx context.Context, c domain.Cache, tenantID, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(wait)
	var token string
	for {
		var err error
		token, err = c.AcquireLock(ctx, tenantID, key, ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if token != "" {
			break
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLocked, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer func() {
		// The lock expires on its own if release fails.
		_ = c.ReleaseLock(context.WithoutCancel(ctx), tenantID, key, token)
	}()
	return fn(ctx)
}

// byteStore is the raw key/value surface shared by every cache.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func ruleSetKey(setID string) string    { return "ruleset:" + setID }
func snapshotKey(formKey string) string { return "snapshot:" + formKey }
func lockKey(key string) string         { return "lock:" + key }

func getJSON[T any](ctx context.Context, s byteStore, tenantID, key string) (*T, error) {
	data, err := s.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func setJSON(ctx context.Context, s byteStore, tenantID, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenantID, key, data, ttl)
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for distributed caching and pass locks
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2. L1 keeps the shorter of the two TTLs.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, tenantID, key, value, l1TTL); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetRuleSet retrieves a cached rule set.
func (c *TwoPhaseCache) GetRuleSet(ctx context.Context, tenantID string, setID string) (*domain.RuleSet, error) {
	return getJSON[domain.RuleSet](ctx, c, tenantID, ruleSetKey(setID))
}

// SetRuleSet caches a rule set in both L1 and L2.
func (c *TwoPhaseCache) SetRuleSet(ctx context.Context, tenantID string, set *domain.RuleSet, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, ruleSetKey(set.ID), set, ttl)
}

// GetSnapshot retrieves a cached form snapshot.
func (c *TwoPhaseCache) GetSnapshot(ctx context.Context, tenantID string, formKey string) (*domain.FormSnapshot, error) {
	return getJSON[domain.FormSnapshot](ctx, c, tenantID, snapshotKey(formKey))
}

// SetSnapshot caches a form snapshot in both L1 and L2.
func (c *TwoPhaseCache) SetSnapshot(ctx context.Context, tenantID string, snap *domain.FormSnapshot, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, snapshotKey(snap.FormKey), snap, ttl)
}

// AcquireLock uses Redis only so that locks hold across nodes.
func (c *TwoPhaseCache) AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, error) {
	return c.remote.AcquireLock(ctx, tenantID, key, ttl)
}

// ReleaseLock drops a Redis lock.
func (c *TwoPhaseCache) ReleaseLock(ctx context.Context, tenantID string, key string, token string) error {
	return c.remote.ReleaseLock(ctx, tenantID, key, token)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
