package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRuleSet retrieves a cached rule set. Returns nil, nil on miss.
	GetRuleSet(ctx context.Context, tenantID string, setID string) (*RuleSet, error)

	// SetRuleSet caches a rule set.
	SetRuleSet(ctx context.Context, tenantID string, set *RuleSet, ttl time.Duration) error

	// GetSnapshot retrieves a cached form snapshot. Returns nil, nil on miss.
	GetSnapshot(ctx context.Context, tenantID string, formKey string) (*FormSnapshot, error)

	// SetSnapshot caches a form snapshot.
	SetSnapshot(ctx context.Context, tenantID string, snap *FormSnapshot, ttl time.Duration) error

	// AcquireLock takes an exclusive lock on key for at most ttl and
	// returns the owner token. An empty token means the lock is held.
	// Passes over one form instance are serialized through it.
	AcquireLock(ctx context.Context, tenantID string, key string, ttl time.Duration) (string, error)

	// ReleaseLock drops the lock only while token still owns it.
	ReleaseLock(ctx context.Context, tenantID string, key string, token string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"-" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase"` // If true, check local first, then Redis
}
