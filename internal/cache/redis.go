package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// releaseScript deletes a lock only while it still holds our token, so an
// expired lock re-taken by another node is left alone.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisCache(client), nil
}

func newRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, c.makeKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Set(ctx, c.makeKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, c.makeKey(tenantID, key)).Err()
}

// GetRuleSet retrieves a cached rule set.
func (c *RedisCache) GetRuleSet(ctx context.Context, tenantID string, setID string) (*domain.RuleSet, error) {
	return getJSON[domain.RuleSet](ctx, c, tenantID, ruleSetKey(setID))
}

// SetRuleSet caches a rule set.
func (c *RedisCache) SetRuleSet(ctx context.Context, tenantID string, set *domain.RuleSet, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, ruleSetKey(set.ID), set, ttl)
}

// GetSnapshot retrieves a cached form snapshot.
func (c *RedisCache) GetSnapshot(ctx context.Context, tenantID string, formKey string) (*domain.FormSnapshot, error) {
	return getJSON[domain.FormSnapshot](ctx, c, tenantID, snapshotKey(formKey))
}

// SetSnapshot caches a form snapshot.
func (c *RedisCache) SetSnapshot(ctx context.Context, tenantID string, snap *domain.FormSnapshot, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, snapshotKey(snap.FormKey), snap, ttl)
}

// AcquireLock takes the lock with SET NX PX and a random token.
func (c *RedisCache) AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, lockKey(key))
	token := uuid.New().String()

	ok, err := c.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// ReleaseLock drops the lock if it still holds token.
func (c *RedisCache) ReleaseLock(ctx context.Context, tenantID string, key string, token string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if token == "" {
		return nil
	}

	fullKey := c.makeKey(tenantID, lockKey(key))
	return releaseScript.Run(ctx, c.client, []string{fullKey}, token).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "formrules:" + tenantID + ":" + key
}
