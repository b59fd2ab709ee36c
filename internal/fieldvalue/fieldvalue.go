// Package fieldvalue resolves the values edit checks compare against.
package fieldvalue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/repository"
	"github.com/opensource-clinical/formrules/internal/rules"
)

// DefaultTTL bounds how long a persisted value stays cached.
const DefaultTTL = time.Minute

// Service looks up persisted field values for edit-check field references.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new field value service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   DefaultTTL,
	}
}

// Lookup returns the persisted value of field in the scope's group of the
// form in scope. When nothing is stored, or the scope is inline, it falls
// back to the field's model value, normalised to what data entry would
// have saved.
func (s *Service) Lookup(ctx context.Context, scope domain.Scope, field *domain.Field) (domain.Value, error) {
	if field == nil {
		return domain.Null(), nil
	}
	if scope.Inline || scope.TenantID == "" || scope.FormKey == "" || s == nil || s.repo == nil {
		return Normalize(field), nil
	}

	key := cacheKey(scope.FormKey, scope.GroupKey, field.ID)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, scope.TenantID, key); err == nil && data != nil {
			var v domain.Value
			if err := json.Unmarshal(data, &v); err == nil {
				return v, nil
			}
		}
	}

	stored, err := s.repo.GetFieldValue(ctx, scope.TenantID, scope.FormKey, scope.GroupKey, field.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return Normalize(field), nil
	}
	if err != nil {
		return domain.Null(), fmt.Errorf("failed to get field value: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(stored.Value); err == nil {
			_ = s.cache.Set(ctx, scope.TenantID, key, data, s.ttl)
		}
	}
	return stored.Value, nil
}

// Store persists values and drops their cached copies.
func (s *Service) Store(ctx context.Context, tenantID string, values []*domain.FieldValue) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.repo.SaveFieldValues(ctx, tenantID, values); err != nil {
		return fmt.Errorf("failed to save field values: %w", err)
	}
	if s.cache != nil {
		for _, v := range values {
			_ = s.cache.Delete(ctx, tenantID, cacheKey(v.FormKey, v.GroupKey, v.FieldID))
		}
	}
	return nil
}

// Getter returns a rules.ValueGetter backed by Lookup.
func (s *Service) Getter() rules.ValueGetter {
	return s.Lookup
}

// Normalize reduces a field's model value to its stored form: file and
// multi-choice lists yield their first item, and a single checkbox yields
// its label when checked.
func Normalize(field *domain.Field) domain.Value {
	v := field.ModelValue
	switch {
	case v.IsList():
		return v.FirstItem()
	case field.ControlType == domain.ControlChoice && v.Kind() == domain.KindBool:
		if !v.Truthy() {
			return domain.Null()
		}
		if field.Label != "" {
			return domain.String(field.Label)
		}
		return v
	}
	return v
}

// Snapshot collects the stored form of every leaf in tree. Cleared fields
// are included so that stale values get overwritten.
func Snapshot(tenantID, formKey string, tree *domain.FieldTree) []*domain.FieldValue {
	now := time.Now().UTC()
	var out []*domain.FieldValue
	tree.Leaves(func(g *domain.FieldGroup, f *domain.Field) {
		out = append(out, &domain.FieldValue{
			TenantID:       tenantID,
			FormKey:        formKey,
			GroupKey:       g.Key,
			FieldID:        f.ID,
			Value:          Normalize(f),
			SpecifiedValue: f.SpecifiedValue,
			UpdatedAt:      now,
		})
	})
	return out
}

func cacheKey(formKey, groupKey string, fieldID int64) string {
	return fmt.Sprintf("fieldvalue:%s:%s:%d", formKey, groupKey, fieldID)
}
