package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/opensource-clinical/formrules/internal/domain"
)

func TestGroupDerivationStepsSemanticParams(t *testing.T) {
	fields := []*domain.Field{
		leaf(1, "Weight (kg)", num(70)),
		leaf(2, "Height (cm)", num(175)),
		leaf(3, "BMI", domain.Null()),
	}
	steps := []domain.Step{fnStep("BMI"), fieldStep(1), fieldStep(2)}

	groups := GroupDerivationSteps(steps, fields)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.Action != ActionExpression || g.Function1 != FnBMI {
		t.Errorf("unexpected group %+v", g)
	}
	if g.Weight == nil || g.Weight.Float() != 70 {
		t.Errorf("weight = %v, want 70", g.Weight)
	}
	if g.Height == nil || g.Height.Float() != 175 {
		t.Errorf("height = %v, want 175", g.Height)
	}
	if g.HeightUnit != "cm" || g.WeightUnit != "kg" {
		t.Errorf("units = %q/%q, want kg/cm", g.WeightUnit, g.HeightUnit)
	}
	if len(g.Params) != 0 {
		t.Errorf("semantic values must not be positional, got %d params", len(g.Params))
	}
	if len(g.Operands()) != 2 {
		t.Errorf("expected 2 operands, got %d", len(g.Operands()))
	}
}

func TestGroupDerivationStepsJoinsAndSet(t *testing.T) {
	fields := []*domain.Field{
		leaf(1, "Smoker", str("Yes")),
		leaf(2, "Cigarettes per day", num(20)),
	}
	steps := []domain.Step{
		fieldStep(1), fnStep("EqualTo"), constStep(str("Yes")),
		fnStep("And"),
		fieldStep(2), fnStep("GreaterThan"), constStep(num(10)),
		fnStep("SetValue"), constStep(str("High")),
		fnStep("AlternateValue"), constStep(str("Low")),
	}

	groups := GroupDerivationSteps(steps, fields)
	wantActions := []GroupAction{ActionExpression, ActionJoin, ActionExpression, ActionSet}
	if len(groups) != len(wantActions) {
		t.Fatalf("expected %d groups, got %d: %+v", len(wantActions), len(groups), groups)
	}
	for i, want := range wantActions {
		if groups[i].Action != want {
			t.Errorf("group %d action = %s, want %s", i, groups[i].Action, want)
		}
	}
	if groups[1].Function1 != FnAnd {
		t.Errorf("join function = %s, want And", groups[1].Function1)
	}
	set := groups[3]
	if set.Function1 != FnSetValue || set.Function2 != FnAlternateValue {
		t.Errorf("set functions = %s/%s", set.Function1, set.Function2)
	}
	if set.Param(1).String() != "High" || set.Param(2).String() != "Low" {
		t.Errorf("set params = %v, %v", set.Param(1), set.Param(2))
	}
	if !set.Param(3).IsNull() {
		t.Error("out of range param should be null")
	}
}

func TestGroupDerivationStepsMissingField(t *testing.T) {
	steps := []domain.Step{
		fnStep("TotalSum"),
		{Type: domain.StepField, FieldID: 99, Value: num(4)},
		{Type: domain.StepField, FieldID: 98},
		constStep(num(0)),
	}
	groups := GroupDerivationSteps(steps, nil)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if len(groups[0].Params) != 1 || groups[0].Params[0].Float() != 4 {
		t.Errorf("params = %v, want [4]", groups[0].Params)
	}
}

func TestGroupCheckSteps(t *testing.T) {
	fields := []*domain.Field{leaf(1, "Pregnant", str("Yes"))}
	steps := []domain.Step{
		fieldStep(1), fnStep("IsEqualTo"), constStep(str("Yes")),
		fnStep("Or"),
		fieldStep(2), fnStep("Not"), fnStep("IsNotEmpty"),
	}

	groups, err := GroupCheckSteps(context.Background(), steps, fields, domain.Scope{}, ModelValue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if groups[0].Function1 != FnIsEqualTo || len(groups[0].Params) != 2 {
		t.Errorf("first group = %+v", groups[0])
	}
	last := groups[2]
	if last.Function1 != FnIsNotEmpty || last.Function2 != FnNot {
		t.Errorf("last group functions = %s/%s", last.Function1, last.Function2)
	}
	if len(last.Params) != 1 || !last.Params[0].IsNull() {
		t.Errorf("missing field should contribute null, got %v", last.Params)
	}
}

func TestGroupCheckStepsGetterError(t *testing.T) {
	boom := errors.New("boom")
	get := func(context.Context, domain.Scope, *domain.Field) (domain.Value, error) {
		return domain.Null(), boom
	}
	fields := []*domain.Field{leaf(1, "A", str("x"))}
	_, err := GroupCheckSteps(context.Background(), []domain.Step{fieldStep(1)}, fields, domain.Scope{}, get)
	if !errors.Is(err, boom) {
		t.Errorf("expected getter error, got %v", err)
	}
}
