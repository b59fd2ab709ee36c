package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-clinical/formrules/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "formrules-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func vitalsSet() *domain.RuleSet {
	return &domain.RuleSet{
		ID:              "vitals",
		Name:            "Vital signs",
		Version:         "1.0.0",
		CheckForVisitID: true,
		Enabled:         true,
		Derivations: domain.NewRuleBook().Add("derivation_3", "", domain.Rule{
			Steps: []domain.Step{
				{Type: domain.StepFunction, FunctionName: "BMI"},
				{Type: domain.StepField, FieldID: 1},
				{Type: domain.StepField, FieldID: 2},
			},
			Actions: []domain.Action{{ID: 1, FieldID: 3}},
		}),
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "study-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRuleSet", func(t *testing.T) {
		if err := repo.SaveRuleSet(ctx, tenantID, vitalsSet()); err != nil {
			t.Fatalf("SaveRuleSet failed: %v", err)
		}

		set, err := repo.GetRuleSet(ctx, tenantID, "vitals")
		if err != nil {
			t.Fatalf("GetRuleSet failed: %v", err)
		}
		if set.TenantID != tenantID || !set.Enabled || !set.CheckForVisitID {
			t.Errorf("unexpected rule set header %+v", set)
		}
		if set.Derivations.Len() != 1 || set.Derivations.Entries[0].Key != "derivation_3" {
			t.Errorf("derivations not restored: %+v", set.Derivations)
		}
		if set.CreatedAt.IsZero() {
			t.Error("expected created_at to be set")
		}

		updated := vitalsSet()
		updated.Version = "1.1.0"
		if err := repo.SaveRuleSet(ctx, tenantID, updated); err != nil {
			t.Fatalf("SaveRuleSet update failed: %v", err)
		}
		sets, err := repo.ListRuleSets(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRuleSets failed: %v", err)
		}
		if len(sets) != 1 || sets[0].Version != "1.1.0" {
			t.Errorf("expected one updated rule set, got %d", len(sets))
		}
	})

	t.Run("DeleteRuleSet", func(t *testing.T) {
		set := vitalsSet()
		set.ID = "ae"
		if err := repo.SaveRuleSet(ctx, tenantID, set); err != nil {
			t.Fatalf("SaveRuleSet failed: %v", err)
		}
		if err := repo.DeleteRuleSet(ctx, tenantID, "ae"); err != nil {
			t.Fatalf("DeleteRuleSet failed: %v", err)
		}
		if _, err := repo.GetRuleSet(ctx, tenantID, "ae"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got: %v", err)
		}
		if err := repo.DeleteRuleSet(ctx, tenantID, "ae"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got: %v", err)
		}
	})

	t.Run("SaveAndGetSnapshot", func(t *testing.T) {
		tree := domain.NewFieldTree().
			Add("visit-2", &domain.Field{ID: 1, Label: "Weight", ModelValue: domain.Number(70), IsVisible: true}).
			Add("visit-1", &domain.Field{ID: 2, Label: "Height", ModelValue: domain.String("175")})
		snap := &domain.FormSnapshot{
			FormKey:         "subject-7/vitals",
			RuleSetID:       "vitals",
			Tree:            tree,
			RunOnceFieldIDs: []int64{3},
			ActiveFolderID:  4,
		}
		if err := repo.SaveSnapshot(ctx, tenantID, snap); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}

		got, err := repo.GetSnapshot(ctx, tenantID, "subject-7/vitals")
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if got.RuleSetKey() != "vitals" || got.ActiveFolderID != 4 {
			t.Errorf("unexpected snapshot header %+v", got)
		}
		if got.Tree.Len() != 2 || got.Tree.Groups[0].Key != "visit-2" {
			t.Errorf("group order lost: %+v", got.Tree.Groups)
		}
		if got.Ref != nil {
			t.Error("expected nil ref tree")
		}
		if len(got.RunOnceFieldIDs) != 1 || got.RunOnceFieldIDs[0] != 3 {
			t.Errorf("run-once ids = %v", got.RunOnceFieldIDs)
		}
	})

	t.Run("FieldValues", func(t *testing.T) {
		note := "not done"
		values := []*domain.FieldValue{
			{FormKey: "subject-7/vitals", GroupKey: "visit-1", FieldID: 1, Value: domain.Number(70)},
			{FormKey: "subject-7/vitals", GroupKey: "visit-1", FieldID: 2, Value: domain.Null(), SpecifiedValue: &note},
		}
		if err := repo.SaveFieldValues(ctx, tenantID, values); err != nil {
			t.Fatalf("SaveFieldValues failed: %v", err)
		}
		if err := repo.SaveFieldValues(ctx, tenantID, []*domain.FieldValue{
			{FormKey: "subject-7/vitals", GroupKey: "visit-1", FieldID: 1, Value: domain.Number(72)},
		}); err != nil {
			t.Fatalf("SaveFieldValues overwrite failed: %v", err)
		}

		fv, err := repo.GetFieldValue(ctx, tenantID, "subject-7/vitals", "visit-1", 1)
		if err != nil {
			t.Fatalf("GetFieldValue failed: %v", err)
		}
		if fv.Value.Float() != 72 {
			t.Errorf("expected 72, got %v", fv.Value)
		}
		fv, err = repo.GetFieldValue(ctx, tenantID, "subject-7/vitals", "visit-1", 2)
		if err != nil {
			t.Fatalf("GetFieldValue failed: %v", err)
		}
		if !fv.Value.IsNull() || fv.SpecifiedValue == nil || *fv.SpecifiedValue != note {
			t.Errorf("unexpected value %+v", fv)
		}

		// Log rows share field ids and keep separate values.
		if err := repo.SaveFieldValues(ctx, tenantID, []*domain.FieldValue{
			{FormKey: "subject-7/ae", GroupKey: "ae-1", FieldID: 1, Value: domain.String("Yes")},
			{FormKey: "subject-7/ae", GroupKey: "ae-2", FieldID: 1, Value: domain.String("No")},
		}); err != nil {
			t.Fatalf("SaveFieldValues rows failed: %v", err)
		}
		for group, want := range map[string]string{"ae-1": "Yes", "ae-2": "No"} {
			fv, err := repo.GetFieldValue(ctx, tenantID, "subject-7/ae", group, 1)
			if err != nil {
				t.Fatalf("GetFieldValue %s failed: %v", group, err)
			}
			if fv.GroupKey != group || fv.Value.String() != want {
				t.Errorf("row %s = %+v, want %s", group, fv, want)
			}
		}

		bad := []*domain.FieldValue{{FieldID: 9}}
		if err := repo.SaveFieldValues(ctx, tenantID, bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput without form key, got %v", err)
		}
	})

	t.Run("SaveAndGetEvaluation", func(t *testing.T) {
		derived := domain.NewResultMap[domain.Value]()
		derived.Set(3, "derivation_3", domain.Number(22.86))
		eval := &domain.Evaluation{
			ID:                "eval-001",
			FormKey:           "subject-7/vitals",
			Tree:              domain.NewFieldTree().Add("g", &domain.Field{ID: 3, ModelValue: domain.Number(22.86)}),
			Derivations:       derived,
			Visibility:        domain.NewResultMap[bool](),
			Disable:           domain.NewResultMap[bool](),
			VisibilityChanged: true,
			Timestamp:         time.Now().UTC(),
			Metadata:          domain.EvaluationMetadata{TraceID: "trace-001", RulesEvaluated: 1},
		}

		if err := repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}
		if err := repo.SaveEvaluation(ctx, tenantID, eval); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for duplicate id, got %v", err)
		}

		retrieved, err := repo.GetEvaluation(ctx, tenantID, eval.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if retrieved.ID != eval.ID || !retrieved.Changed() {
			t.Errorf("unexpected evaluation %+v", retrieved)
		}
		if v, ok := retrieved.Derivations.Get(3, "derivation_3"); !ok || v.Float() != 22.86 {
			t.Errorf("derivation outcome lost: %v, %v", v, ok)
		}
		if retrieved.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", retrieved.Metadata.TraceID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "study-002"
		if _, err := repo.GetRuleSet(ctx, otherTenant, "vitals"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		if _, err := repo.GetSnapshot(ctx, otherTenant, "subject-7/vitals"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		if _, err := repo.GetEvaluation(ctx, otherTenant, "eval-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveRuleSet(ctx, "", vitalsSet()); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetSnapshot(ctx, "", "x"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetFieldValue(ctx, "", "x", "", 1); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetFieldValue(ctx, tenantID, "subject-7/vitals", "visit-1", 99); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetEvaluation(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestConnectionStrings(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "trial", PostgresPassword: "it's secret"})
	want := `host=localhost port=5432 dbname=formrules sslmode=disable user=trial password='it\'s secret'`
	if dsn != want {
		t.Errorf("postgresDSN = %q, want %q", dsn, want)
	}

	if got := sqliteDSN(":memory:"); got != "file::memory:?_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)" {
		t.Errorf("sqliteDSN(:memory:) = %q", got)
	}
}
