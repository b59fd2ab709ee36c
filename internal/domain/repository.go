// Package domain defines the core interfaces and types for formrules.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule set operations
	SaveRuleSet(ctx context.Context, tenantID string, set *RuleSet) error
	GetRuleSet(ctx context.Context, tenantID string, setID string) (*RuleSet, error)
	ListRuleSets(ctx context.Context, tenantID string) ([]*RuleSet, error)
	DeleteRuleSet(ctx context.Context, tenantID string, setID string) error

	// Form snapshot operations
	SaveSnapshot(ctx context.Context, tenantID string, snap *FormSnapshot) error
	GetSnapshot(ctx context.Context, tenantID string, formKey string) (*FormSnapshot, error)

	// Persisted field values
	SaveFieldValues(ctx context.Context, tenantID string, values []*FieldValue) error
	GetFieldValue(ctx context.Context, tenantID string, formKey string, groupKey string, fieldID int64) (*FieldValue, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*Evaluation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
