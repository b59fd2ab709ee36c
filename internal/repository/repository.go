// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-clinical/formrules/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRuleSet stores a rule set, replacing any earlier copy with the same id.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, tenantID string, set *domain.RuleSet) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if set == nil || set.ID == "" {
		return fmt.Errorf("%w: rule set id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if set.CreatedAt.IsZero() {
		set.CreatedAt = now
	}
	set.UpdatedAt = now
	set.TenantID = tenantID

	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode rule set: %w", err)
	}

	query := `
		INSERT INTO rule_sets (
			id, tenant_id, name, version, check_for_visit_id, body, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			check_for_visit_id = excluded.check_for_visit_id,
			body = excluded.body,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		set.ID, tenantID, set.Name, set.Version, boolInt(set.CheckForVisitID),
		string(body), boolInt(set.Enabled), set.CreatedAt, set.UpdatedAt,
	)
	return err
}

// GetRuleSet retrieves an enabled rule set with tenant isolation.
func (r *SQLRepository) GetRuleSet(ctx context.Context, tenantID string, setID string) (*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT body, enabled, created_at, updated_at
		FROM rule_sets
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	set, err := scanRuleSet(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, setID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ListRuleSets retrieves all enabled rule sets for a tenant.
func (r *SQLRepository) ListRuleSets(ctx context.Context, tenantID string) ([]*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT body, enabled, created_at, updated_at
		FROM rule_sets
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*domain.RuleSet
	for rows.Next() {
		set, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}

	return sets, rows.Err()
}

// DeleteRuleSet soft-deletes a rule set by setting enabled = 0.
func (r *SQLRepository) DeleteRuleSet(ctx context.Context, tenantID string, setID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_sets
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, setID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleSet(row rowScanner) (*domain.RuleSet, error) {
	var set domain.RuleSet
	var body string
	var enabled int
	var createdAt, updatedAt time.Time

	if err := row.Scan(&body, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &set); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}
	set.Enabled = enabled == 1
	set.CreatedAt = createdAt
	set.UpdatedAt = updatedAt
	return &set, nil
}

// SaveSnapshot stores the current state of a form instance.
func (r *SQLRepository) SaveSnapshot(ctx context.Context, tenantID string, snap *domain.FormSnapshot) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if snap == nil || snap.FormKey == "" {
		return fmt.Errorf("%w: form key is required", ErrInvalidInput)
	}

	tree, err := json.Marshal(snap.Tree)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}
	var ref []byte
	if snap.Ref != nil {
		if ref, err = json.Marshal(snap.Ref); err != nil {
			return fmt.Errorf("failed to encode ref tree: %w", err)
		}
	}
	runOnce, _ := json.Marshal(snap.RunOnceFieldIDs)

	snap.TenantID = tenantID
	snap.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO form_snapshots (
			tenant_id, form_key, rule_set_id, tree, ref, run_once, active_folder_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, form_key) DO UPDATE SET
			rule_set_id = excluded.rule_set_id,
			tree = excluded.tree,
			ref = excluded.ref,
			run_once = excluded.run_once,
			active_folder_id = excluded.active_folder_id,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, snap.FormKey, snap.RuleSetID, string(tree), nullString(ref),
		string(runOnce), snap.ActiveFolderID, snap.UpdatedAt,
	)
	return err
}

// GetSnapshot retrieves the stored state of a form instance.
func (r *SQLRepository) GetSnapshot(ctx context.Context, tenantID string, formKey string) (*domain.FormSnapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, form_key, rule_set_id, tree, ref, run_once, active_folder_id, updated_at
		FROM form_snapshots
		WHERE tenant_id = ? AND form_key = ?
	`

	var snap domain.FormSnapshot
	var tree string
	var ref, runOnce sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, formKey).Scan(
		&snap.TenantID, &snap.FormKey, &snap.RuleSetID,
		&tree, &ref, &runOnce, &snap.ActiveFolderID, &snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.Tree = domain.NewFieldTree()
	if err := json.Unmarshal([]byte(tree), snap.Tree); err != nil {
		return nil, fmt.Errorf("failed to parse tree: %w", err)
	}
	if ref.Valid && ref.String != "" {
		snap.Ref = domain.NewFieldTree()
		if err := json.Unmarshal([]byte(ref.String), snap.Ref); err != nil {
			return nil, fmt.Errorf("failed to parse ref tree: %w", err)
		}
	}
	if runOnce.Valid && runOnce.String != "" {
		json.Unmarshal([]byte(runOnce.String), &snap.RunOnceFieldIDs)
	}

	return &snap, nil
}

// SaveFieldValues upserts persisted field values in one transaction.
func (r *SQLRepository) SaveFieldValues(ctx context.Context, tenantID string, values []*domain.FieldValue) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(values) == 0 {
		return nil
	}

	query := r.rebind(`
		INSERT INTO field_values (
			tenant_id, form_key, group_key, field_id, value, specified_value, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, form_key, group_key, field_id) DO UPDATE SET
			value = excluded.value,
			specified_value = excluded.specified_value,
			updated_at = excluded.updated_at
	`)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, v := range values {
		if v.FormKey == "" {
			return fmt.Errorf("%w: form key is required for field %d", ErrInvalidInput, v.FieldID)
		}
		data, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("failed to encode value of field %d: %w", v.FieldID, err)
		}
		if v.UpdatedAt.IsZero() {
			v.UpdatedAt = now
		}
		var specified sql.NullString
		if v.SpecifiedValue != nil {
			specified = sql.NullString{String: *v.SpecifiedValue, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query,
			tenantID, v.FormKey, v.GroupKey, v.FieldID, string(data), specified, v.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to save field %d: %w", v.FieldID, err)
		}
	}

	return tx.Commit()
}

// GetFieldValue retrieves the persisted value of one field in one group.
func (r *SQLRepository) GetFieldValue(ctx context.Context, tenantID string, formKey string, groupKey string, fieldID int64) (*domain.FieldValue, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, form_key, group_key, field_id, value, specified_value, updated_at
		FROM field_values
		WHERE tenant_id = ? AND form_key = ? AND group_key = ? AND field_id = ?
	`

	var fv domain.FieldValue
	var value string
	var specified sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, formKey, groupKey, fieldID).Scan(
		&fv.TenantID, &fv.FormKey, &fv.GroupKey, &fv.FieldID, &value, &specified, &fv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(value), &fv.Value); err != nil {
		return nil, fmt.Errorf("failed to parse value of field %d: %w", fieldID, err)
	}
	if specified.Valid {
		s := specified.String
		fv.SpecifiedValue = &s
	}

	return &fv, nil
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	body, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation: %w", err)
	}
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, tenant_id, form_key, changed, timestamp, body, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.FormKey, boolInt(eval.Changed()), eval.Timestamp,
		string(body), string(metadata),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: evaluation %s already stored", ErrInvalidInput, eval.ID)
	}
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT body
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var eval domain.Evaluation
	if err := json.Unmarshal([]byte(body), &eval); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}
	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
