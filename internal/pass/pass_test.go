package pass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/rules"
)

func vitalsTree() *domain.FieldTree {
	return domain.NewFieldTree().Add("visit-1",
		&domain.Field{ID: 1, Label: "Weight (kg)", ModelValue: domain.Number(70), IsVisible: true},
		&domain.Field{ID: 2, Label: "Height (cm)", ModelValue: domain.Number(175), IsVisible: true},
		&domain.Field{ID: 3, Label: "BMI", Format: "9.2", IsVisible: true},
		&domain.Field{ID: 4, Label: "Pregnant", ModelValue: domain.String("No"), IsVisible: true},
		&domain.Field{ID: 5, Label: "Due date", ModelValue: domain.String("2026-03-01"), IsVisible: true},
	)
}

func vitalsRuleSet(overridable bool) *domain.RuleSet {
	step := func(t domain.StepType, id int64, fn string, v domain.Value) domain.Step {
		return domain.Step{Type: t, FieldID: id, FunctionName: fn, Value: v}
	}
	return &domain.RuleSet{
		ID:       "vitals",
		TenantID: "study-001",
		Enabled:  true,
		Derivations: domain.NewRuleBook().Add("derivation_3", "", domain.Rule{
			Steps: []domain.Step{
				step(domain.StepFunction, 0, "BMI", domain.Null()),
				step(domain.StepField, 1, "", domain.Null()),
				step(domain.StepField, 2, "", domain.Null()),
			},
			Actions: []domain.Action{{ID: 1, FieldID: 3, IsEnableField: overridable}},
		}),
		Visibility: domain.NewRuleBook().Add("visibility_5", "", domain.Rule{
			Steps: []domain.Step{
				step(domain.StepField, 4, "", domain.Null()),
				step(domain.StepFunction, 0, "IsEqualTo", domain.Null()),
				step(domain.StepConstant, 0, "", domain.String("Yes")),
			},
			Actions: []domain.Action{{ID: 2, FieldID: 5}},
		}),
		Disable: domain.NewRuleBook().Add("disable_2", "", domain.Rule{
			Steps: []domain.Step{
				step(domain.StepField, 4, "", domain.Null()),
				step(domain.StepFunction, 0, "IsEqualTo", domain.Null()),
				step(domain.StepConstant, 0, "", domain.String("No")),
			},
			Actions: []domain.Action{{ID: 3, FieldID: 2}},
		}),
	}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor(nil)
	ctx := context.Background()

	t.Run("FullPass", func(t *testing.T) {
		tree := vitalsTree()
		input := &Input{
			Scope:     domain.Scope{TenantID: "study-001"},
			RuleSet:   vitalsRuleSet(false),
			Tree:      tree,
			TraceID:   "trace-001",
			StartTime: time.Now(),
		}

		eval, err := proc.Run(ctx, input)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if eval.ID == "" {
			t.Error("expected evaluation id")
		}
		if eval.TenantID != "study-001" || eval.FormKey != "vitals" {
			t.Errorf("unexpected tenant/form %q/%q", eval.TenantID, eval.FormKey)
		}

		bmi := rules.LocateInTree(eval.Tree, 3)
		if bmi.ModelValue.Float() != 22.86 {
			t.Errorf("BMI = %v, want 22.86", bmi.ModelValue)
		}
		if !bmi.Disabled || bmi.Placeholder != rules.DerivedPlaceholder {
			t.Errorf("locked derivation should mark the field, got disabled=%v placeholder=%q", bmi.Disabled, bmi.Placeholder)
		}

		due := rules.LocateInTree(eval.Tree, 5)
		if due.IsVisible || !due.ModelValue.IsNull() {
			t.Errorf("due date should be hidden and cleared, got visible=%v value=%v", due.IsVisible, due.ModelValue)
		}
		height := rules.LocateInTree(eval.Tree, 2)
		if !height.Disabled || !height.ModelValue.IsNull() {
			t.Errorf("height should be disabled and cleared, got disabled=%v value=%v", height.Disabled, height.ModelValue)
		}
		if !eval.VisibilityChanged || !eval.DisableChanged || !eval.Changed() {
			t.Error("expected both changed flags")
		}

		if rules.LocateInTree(tree, 5).ModelValue.IsNull() {
			t.Error("input tree must not be mutated")
		}
		if eval.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", eval.Metadata.TraceID)
		}
		if eval.Metadata.RulesEvaluated != 3 {
			t.Errorf("expected 3 rules evaluated, got %d", eval.Metadata.RulesEvaluated)
		}
		if eval.Metadata.FieldsCleared != 2 {
			t.Errorf("expected 2 fields cleared, got %d", eval.Metadata.FieldsCleared)
		}
		if eval.Metadata.EngineVersion != EngineVersion {
			t.Errorf("unexpected engine version %q", eval.Metadata.EngineVersion)
		}
	})

	t.Run("RefTracksTree", func(t *testing.T) {
		eval, err := proc.Run(ctx, &Input{
			Scope:   domain.Scope{TenantID: "study-001"},
			RuleSet: vitalsRuleSet(false),
			Tree:    vitalsTree(),
			Ref:     vitalsTree(),
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		ref := rules.LocateInTree(eval.Ref, 5)
		if ref.IsVisible {
			t.Error("ref copy should follow visibility")
		}
		if f := rules.LocateInTree(eval.Ref, 3); !f.Disabled {
			t.Error("ref copy should carry the derived lock")
		}
	})

	t.Run("RunOnce", func(t *testing.T) {
		runOnce := rules.NewFieldSet()
		set := vitalsRuleSet(true)

		first, err := proc.Run(ctx, &Input{RuleSet: set, Tree: vitalsTree(), RunOnce: runOnce})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(first.RunOnceFieldIDs) != 1 || first.RunOnceFieldIDs[0] != 3 {
			t.Errorf("run-once ids = %v, want [3]", first.RunOnceFieldIDs)
		}
		if f := rules.LocateInTree(first.Tree, 3); f.Disabled {
			t.Error("overridable derivation must leave the field editable")
		}

		edited := first.Tree.Clone()
		rules.LocateInTree(edited, 3).ModelValue = domain.Number(30)
		second, err := proc.Run(ctx, &Input{RuleSet: set, Tree: edited, RunOnce: runOnce})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if got := rules.LocateInTree(second.Tree, 3).ModelValue.Float(); got != 30 {
			t.Errorf("user override should survive later passes, got %v", got)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		first, err := proc.Run(ctx, &Input{RuleSet: vitalsRuleSet(false), Tree: vitalsTree()})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		second, err := proc.Run(ctx, &Input{RuleSet: vitalsRuleSet(false), Tree: first.Tree, Ref: first.Ref})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if second.Changed() {
			t.Error("second pass over the same state should not report a change")
		}
		if ids := ChangedFieldIDs(first.Tree, second); len(ids) != 0 {
			t.Errorf("unexpected changed fields %v", ids)
		}
	})

	t.Run("ChangedFieldIDs", func(t *testing.T) {
		before := vitalsTree()
		eval, err := proc.Run(ctx, &Input{RuleSet: vitalsRuleSet(false), Tree: before})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		ids := ChangedFieldIDs(before, eval)
		if len(ids) != 3 || ids[0] != 2 || ids[1] != 3 || ids[2] != 5 {
			t.Errorf("changed ids = %v, want [2 3 5]", ids)
		}
	})

	t.Run("MissingRuleSet", func(t *testing.T) {
		if _, err := proc.Run(ctx, &Input{Tree: vitalsTree()}); err == nil {
			t.Error("expected error without a rule set")
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := proc.Run(cctx, &Input{RuleSet: vitalsRuleSet(false), Tree: vitalsTree()})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestRecordMetrics(t *testing.T) {
	derived := domain.NewResultMap[domain.Value]()
	derived.Set(3, "a", domain.Number(1))
	derived.Set(3, "b", domain.Null())
	recordDerivations(derived)

	checks := domain.NewResultMap[bool]()
	checks.Set(5, "a", true)
	recordChecks(domain.FamilyVisibility, checks)

	if ms := observe(stageTotal, time.Now().Add(-5*time.Millisecond)); ms < 5 {
		t.Errorf("observe returned %dms, want at least 5", ms)
	}
}
