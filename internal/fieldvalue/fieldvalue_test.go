package fieldvalue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/opensource-clinical/formrules/internal/cache"
	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/repository"
)

func TestFieldValueService(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "fieldvalue-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache)
	ctx := context.Background()
	scope := domain.Scope{TenantID: "study-001", FormKey: "subject-7/vitals", GroupKey: "visit-1"}
	pregnant := &domain.Field{ID: 4, Label: "Pregnant", ModelValue: domain.String("Yes")}

	t.Run("FallsBackToModelValue", func(t *testing.T) {
		v, err := svc.Lookup(ctx, scope, pregnant)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.String() != "Yes" {
			t.Errorf("expected model value Yes, got %v", v)
		}
	})

	t.Run("StoredValueWins", func(t *testing.T) {
		err := svc.Store(ctx, scope.TenantID, []*domain.FieldValue{
			{TenantID: scope.TenantID, FormKey: scope.FormKey, GroupKey: "visit-1", FieldID: 4, Value: domain.String("No")},
		})
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		v, err := svc.Lookup(ctx, scope, pregnant)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.String() != "No" {
			t.Errorf("expected stored value No, got %v", v)
		}

		data, _ := lruCache.Get(ctx, scope.TenantID, cacheKey(scope.FormKey, "visit-1", 4))
		if data == nil {
			t.Error("lookup should populate the cache")
		}
	})

	t.Run("StoreInvalidatesCache", func(t *testing.T) {
		if _, err := svc.Lookup(ctx, scope, pregnant); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := svc.Store(ctx, scope.TenantID, []*domain.FieldValue{
			{TenantID: scope.TenantID, FormKey: scope.FormKey, GroupKey: "visit-1", FieldID: 4, Value: domain.String("Unknown")},
		})
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		v, _ := svc.Lookup(ctx, scope, pregnant)
		if v.String() != "Unknown" {
			t.Errorf("expected fresh value Unknown, got %v", v)
		}
	})

	t.Run("CachedValue", func(t *testing.T) {
		weight := &domain.Field{ID: 1, ModelValue: domain.Number(70)}
		data, _ := json.Marshal(domain.Number(72))
		lruCache.Set(ctx, scope.TenantID, cacheKey(scope.FormKey, "visit-1", 1), data, DefaultTTL)

		v, err := svc.Lookup(ctx, scope, weight)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.Float() != 72 {
			t.Errorf("expected cached 72, got %v", v)
		}
	})

	t.Run("InlineScopeIgnoresStoredValue", func(t *testing.T) {
		inline := scope
		inline.Inline = true
		v, err := svc.Lookup(ctx, inline, pregnant)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.String() != "Yes" {
			t.Errorf("inline lookup should use the supplied value Yes, got %v", v)
		}
	})

	t.Run("RowsKeptApart", func(t *testing.T) {
		aeScope := domain.Scope{TenantID: "study-001", FormKey: "subject-7/ae"}
		serious := &domain.Field{ID: 1, ModelValue: domain.Null()}
		err := svc.Store(ctx, scope.TenantID, []*domain.FieldValue{
			{TenantID: "study-001", FormKey: "subject-7/ae", GroupKey: "ae-1", FieldID: 1, Value: domain.String("No")},
			{TenantID: "study-001", FormKey: "subject-7/ae", GroupKey: "ae-2", FieldID: 1, Value: domain.String("Yes")},
		})
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		for group, want := range map[string]string{"ae-1": "No", "ae-2": "Yes"} {
			s := aeScope
			s.GroupKey = group
			v, err := svc.Lookup(ctx, s, serious)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.String() != want {
				t.Errorf("row %s: expected %s, got %v", group, want, v)
			}
		}
	})

	t.Run("NoFormKey", func(t *testing.T) {
		v, err := svc.Lookup(ctx, domain.Scope{TenantID: "study-001"}, pregnant)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.String() != "Yes" {
			t.Errorf("expected model value without a form key, got %v", v)
		}
	})

	t.Run("NilField", func(t *testing.T) {
		v, err := svc.Lookup(ctx, scope, nil)
		if err != nil || !v.IsNull() {
			t.Errorf("expected null for nil field, got %v, %v", v, err)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		other := &domain.Field{ID: 9, ModelValue: domain.Number(1)}
		_, err := svc.Lookup(cctx, scope, other)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("Getter", func(t *testing.T) {
		get := svc.Getter()
		v, err := get(ctx, scope, pregnant)
		if err != nil || v.String() != "Unknown" {
			t.Errorf("getter should match Lookup, got %v, %v", v, err)
		}
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		field *domain.Field
		want  domain.Value
	}{
		{"Text", &domain.Field{ModelValue: domain.String("abc")}, domain.String("abc")},
		{"Number", &domain.Field{ModelValue: domain.Number(3)}, domain.Number(3)},
		{"List", &domain.Field{ControlType: domain.ControlMultiChoice, ModelValue: domain.List(json.RawMessage(`"a"`), json.RawMessage(`"b"`))}, domain.String("a")},
		{"CheckedBox", &domain.Field{ControlType: domain.ControlChoice, Label: "Smoker", ModelValue: domain.Bool(true)}, domain.String("Smoker")},
		{"UncheckedBox", &domain.Field{ControlType: domain.ControlChoice, Label: "Smoker", ModelValue: domain.Bool(false)}, domain.Null()},
		{"UnlabelledBox", &domain.Field{ControlType: domain.ControlChoice, ModelValue: domain.Bool(true)}, domain.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.field)
			if got.Kind() != tt.want.Kind() || got.String() != tt.want.String() {
				t.Errorf("Normalize() = %v (%s), want %v (%s)", got, got.Kind(), tt.want, tt.want.Kind())
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	tree := domain.NewFieldTree().Add("visit-1",
		&domain.Field{ID: 1, ModelValue: domain.Number(70)},
		&domain.Field{ID: 5},
	)
	values := Snapshot("study-001", "subject-7/vitals", tree)
	if len(values) != 2 {
		t.Fatalf("expected 2 values including the cleared field, got %d", len(values))
	}
	if values[0].FieldID != 1 || values[0].Value.Float() != 70 || values[0].FormKey != "subject-7/vitals" || values[0].GroupKey != "visit-1" {
		t.Errorf("unexpected first value %+v", values[0])
	}
	if !values[1].Value.IsNull() {
		t.Errorf("cleared field should store null, got %v", values[1].Value)
	}
}
