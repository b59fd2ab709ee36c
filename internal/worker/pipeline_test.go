package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-clinical/formrules/internal/cache"
	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/fieldvalue"
	"github.com/opensource-clinical/formrules/internal/pass"
	"github.com/opensource-clinical/formrules/internal/repository"
	"github.com/opensource-clinical/formrules/internal/rules"
)

const testTenant = "study-001"

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "formrules-worker-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// newTestPipeline seeds the vitals rule set and one form instance
// "subject-7/vitals" evaluated against it.
func newTestPipeline(t *testing.T, b domain.EventBus) (*Pipeline, domain.Repository) {
	t.Helper()
	ctx := context.Background()
	repo := newTestRepo(t)
	c := cache.NewLRUCache(100)
	t.Cleanup(func() { c.Close() })

	values := fieldvalue.NewService(repo, c)
	engine := rules.NewEngine(values.Getter(), rules.DefaultOptions())
	p := NewPipeline(repo, c, b, rules.NewRegistry(), pass.NewProcessor(engine), values, domain.EngineConfig{})

	if err := repo.SaveRuleSet(ctx, testTenant, vitalsRuleSet()); err != nil {
		t.Fatalf("failed to save rule set: %v", err)
	}
	snap := &domain.FormSnapshot{
		TenantID:  testTenant,
		FormKey:   "subject-7/vitals",
		RuleSetID: "vitals",
		Tree:      vitalsTree(),
	}
	if err := p.SaveSnapshot(ctx, testTenant, snap); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	return p, repo
}

func vitalsTree() *domain.FieldTree {
	return domain.NewFieldTree().Add("visit-1",
		&domain.Field{ID: 1, Label: "Weight (kg)", ModelValue: domain.Number(70), IsVisible: true},
		&domain.Field{ID: 2, Label: "Height (cm)", ModelValue: domain.Number(175), IsVisible: true},
		&domain.Field{ID: 3, Label: "BMI", Format: "9.2", IsVisible: true},
		&domain.Field{ID: 4, Label: "Pregnant", ModelValue: domain.String("No"), IsVisible: true},
		&domain.Field{ID: 5, Label: "Due date"},
	)
}

func vitalsRuleSet() *domain.RuleSet {
	isYes := []domain.Step{
		{Type: domain.StepField, FieldID: 4},
		{Type: domain.StepFunction, FunctionName: "IsEqualTo"},
		{Type: domain.StepConstant, Value: domain.String("Yes")},
	}
	return &domain.RuleSet{
		ID:      "vitals",
		Name:    "Vital signs",
		Enabled: true,
		Derivations: domain.NewRuleBook().Add("derivation_3", "", domain.Rule{
			Steps: []domain.Step{
				{Type: domain.StepFunction, FunctionName: "BMI"},
				{Type: domain.StepField, FieldID: 1},
				{Type: domain.StepField, FieldID: 2},
			},
			Actions: []domain.Action{{ID: 1, FieldID: 3}},
		}),
		Visibility: domain.NewRuleBook().Add("visibility_5", "", domain.Rule{
			Steps:   isYes,
			Actions: []domain.Action{{ID: 2, FieldID: 5}},
		}),
	}
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("ApplyChange", func(t *testing.T) {
		p, repo := newTestPipeline(t, nil)

		eval, err := p.ApplyChange(ctx, &domain.FieldChange{
			TenantID: testTenant,
			FormKey:  "subject-7/vitals",
			FieldID:  4,
			Value:    domain.String("Yes"),
		})
		if err != nil {
			t.Fatalf("ApplyChange failed: %v", err)
		}
		if !eval.VisibilityChanged {
			t.Error("expected visibility change")
		}
		if f := rules.LocateInTree(eval.Tree, 5); !f.IsVisible {
			t.Error("due date should be shown")
		}

		snap, err := repo.GetSnapshot(ctx, testTenant, "subject-7/vitals")
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if f := rules.LocateInTree(snap.Tree, 4); f.ModelValue.String() != "Yes" {
			t.Errorf("stored pregnant = %v, want Yes", f.ModelValue)
		}
		if f := rules.LocateInTree(snap.Tree, 3); f.ModelValue.Float() != 22.86 || !f.Disabled {
			t.Errorf("stored BMI = %v disabled=%v", f.ModelValue, f.Disabled)
		}

		stored, err := repo.GetFieldValue(ctx, testTenant, "subject-7/vitals", "visit-1", 4)
		if err != nil {
			t.Fatalf("GetFieldValue failed: %v", err)
		}
		if stored.Value.String() != "Yes" {
			t.Errorf("stored field value = %v, want Yes", stored.Value)
		}

		saved, err := repo.GetEvaluation(ctx, testTenant, eval.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if saved.FormKey != "subject-7/vitals" {
			t.Errorf("unexpected saved form key %q", saved.FormKey)
		}
	})

	t.Run("LogRowsKeepTheirOwnValues", func(t *testing.T) {
		p, repo := newTestPipeline(t, nil)
		seedAdverseEvents(t, p, repo)

		changed, err := p.ApplyChange(ctx, &domain.FieldChange{
			TenantID: testTenant,
			FormKey:  "subject-7/ae",
			GroupKey: "ae-1",
			FieldID:  1,
			Value:    domain.String("No"),
		})
		if err != nil {
			t.Fatalf("ApplyChange failed: %v", err)
		}
		for group, want := range map[string]string{"ae-1": "No", "ae-2": "Yes"} {
			stored, err := repo.GetFieldValue(ctx, testTenant, "subject-7/ae", group, 1)
			if err != nil {
				t.Fatalf("GetFieldValue(%s) failed: %v", group, err)
			}
			if stored.Value.String() != want {
				t.Errorf("row %s stored %v, want %s", group, stored.Value, want)
			}
		}

		again, err := p.Evaluate(ctx, testTenant, "subject-7/ae")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		after := rowField(t, changed.Tree, "ae-2", 2)
		reeval := rowField(t, again.Tree, "ae-2", 2)
		if !after.IsVisible {
			t.Error("ae-2 specify should stay visible after editing ae-1")
		}
		if after.IsVisible != reeval.IsVisible {
			t.Errorf("re-evaluating the unchanged form flipped visibility: %v then %v", after.IsVisible, reeval.IsVisible)
		}
		if again.VisibilityChanged {
			t.Error("re-evaluating the unchanged form should change nothing")
		}
	})

	t.Run("HideClearsValue", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		change := &domain.FieldChange{TenantID: testTenant, FormKey: "subject-7/vitals", FieldID: 4, Value: domain.String("Yes")}
		if _, err := p.ApplyChange(ctx, change); err != nil {
			t.Fatalf("ApplyChange failed: %v", err)
		}
		due := &domain.FieldChange{TenantID: testTenant, FormKey: "subject-7/vitals", FieldID: 5, Value: domain.String("2026-03-01")}
		if _, err := p.ApplyChange(ctx, due); err != nil {
			t.Fatalf("ApplyChange failed: %v", err)
		}

		change.Value = domain.String("No")
		eval, err := p.ApplyChange(ctx, change)
		if err != nil {
			t.Fatalf("ApplyChange failed: %v", err)
		}
		f := rules.LocateInTree(eval.Tree, 5)
		if f.IsVisible || !f.ModelValue.IsNull() {
			t.Errorf("due date should be hidden and cleared, got visible=%v value=%v", f.IsVisible, f.ModelValue)
		}
	})

	t.Run("Evaluate", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		eval, err := p.Evaluate(ctx, testTenant, "subject-7/vitals")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if f := rules.LocateInTree(eval.Tree, 3); f.ModelValue.Float() != 22.86 {
			t.Errorf("BMI = %v, want 22.86", f.ModelValue)
		}
		if eval.VisibilityChanged {
			t.Error("hidden due date should stay hidden")
		}
	})

	t.Run("UnknownField", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		_, err := p.ApplyChange(ctx, &domain.FieldChange{TenantID: testTenant, FormKey: "subject-7/vitals", FieldID: 99, Value: domain.Number(1)})
		if !errors.Is(err, repository.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("UnknownForm", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		_, err := p.Evaluate(ctx, testTenant, "subject-8/vitals")
		if !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RuleSetLayers", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		set, err := p.RuleSet(ctx, testTenant, "vitals")
		if err != nil {
			t.Fatalf("RuleSet failed: %v", err)
		}
		if set.Derivations.Len() != 1 {
			t.Errorf("expected 1 derivation, got %d", set.Derivations.Len())
		}
		if _, ok := p.registry.Get(testTenant, "vitals"); !ok {
			t.Error("rule set should be registered after the first load")
		}
	})

	t.Run("Locked", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		p.lockTTL = 50 * time.Millisecond
		token, err := p.cache.AcquireLock(ctx, testTenant, lockName("subject-7/vitals"), p.lockTTL*10)
		if err != nil || token == "" {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		_, err = p.Evaluate(ctx, testTenant, "subject-7/vitals")
		if !errors.Is(err, cache.ErrLocked) {
			t.Errorf("expected ErrLocked, got %v", err)
		}
	})
}

// seedAdverseEvents stores a log form "subject-7/ae" with two rows. Each
// row answers "Serious?" with Yes, which shows the row's "Specify" field.
func seedAdverseEvents(t *testing.T, p *Pipeline, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()
	set := &domain.RuleSet{
		ID:      "ae",
		Name:    "Adverse events",
		Enabled: true,
		Visibility: domain.NewRuleBook().Add("visibility_2", "", domain.Rule{
			Steps: []domain.Step{
				{Type: domain.StepField, FieldID: 1},
				{Type: domain.StepFunction, FunctionName: "IsEqualTo"},
				{Type: domain.StepConstant, Value: domain.String("Yes")},
			},
			Actions: []domain.Action{{ID: 1, FieldID: 2}},
		}),
	}
	if err := repo.SaveRuleSet(ctx, testTenant, set); err != nil {
		t.Fatalf("failed to save rule set: %v", err)
	}
	row := func() []*domain.Field {
		return []*domain.Field{
			{ID: 1, Label: "Serious?", ModelValue: domain.String("Yes"), IsVisible: true, IsLogDataEntry: true},
			{ID: 2, Label: "Specify", IsVisible: true, IsLogDataEntry: true},
		}
	}
	tree := domain.NewFieldTree().Add("ae-1", row()...).Add("ae-2", row()...)
	snap := &domain.FormSnapshot{TenantID: testTenant, FormKey: "subject-7/ae", RuleSetID: "ae", Tree: tree}
	if err := p.SaveSnapshot(ctx, testTenant, snap); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
}

func rowField(t *testing.T, tree *domain.FieldTree, group string, id int64) *domain.Field {
	t.Helper()
	g := tree.Group(group)
	if g == nil {
		t.Fatalf("group %s missing", group)
	}
	f := rules.LocateField(g.Fields, id)
	if f == nil {
		t.Fatalf("field %d missing from %s", id, group)
	}
	return f
}
