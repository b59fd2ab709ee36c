package rules

import "github.com/opensource-clinical/formrules/internal/domain"

func fieldStep(id int64) domain.Step {
	return domain.Step{Type: domain.StepField, FieldID: id}
}

func fnStep(name string) domain.Step {
	return domain.Step{Type: domain.StepFunction, FunctionName: name}
}

func constStep(v domain.Value) domain.Step {
	return domain.Step{Type: domain.StepConstant, Value: v}
}

func num(f float64) domain.Value { return domain.Number(f) }

func str(s string) domain.Value { return domain.String(s) }

func leaf(id int64, label string, v domain.Value) *domain.Field {
	return &domain.Field{ID: id, Label: label, ModelValue: v, IsVisible: true}
}

func action(id, fieldID int64) domain.Action {
	return domain.Action{ID: id, FieldID: fieldID}
}
