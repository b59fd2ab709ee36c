package rules

import (
	"context"
	"strings"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// GroupAction tags a StepGroup.
type GroupAction string

const (
	ActionExpression GroupAction = "expression"
	ActionJoin       GroupAction = "join"
	ActionSet        GroupAction = "set"
)

// StepGroup is one sub-expression of a flattened rule: a primary function,
// an optional modifier, and the values gathered for them.
type StepGroup struct {
	Action    GroupAction
	Function1 Function
	Function2 Function

	// Params holds positional values param1..paramN.
	Params []domain.Value

	// Weight and Height are filled from fields whose label names them.
	Weight     *domain.Value
	Height     *domain.Value
	WeightUnit string
	HeightUnit string

	operands []domain.Value
}

// Param returns the 1-based positional param, or null when absent.
func (g *StepGroup) Param(n int) domain.Value {
	if n < 1 || n > len(g.Params) {
		return domain.Null()
	}
	return g.Params[n-1]
}

// Operands returns every gathered value in step order, positional and
// semantic alike. Units are metadata and are not operands.
func (g *StepGroup) Operands() []domain.Value {
	return g.operands
}

func (g *StepGroup) empty() bool {
	return g.Function1 == "" && g.Function2 == "" && len(g.operands) == 0
}

func (g *StepGroup) addParam(v domain.Value) {
	g.Params = append(g.Params, v)
	g.operands = append(g.operands, v)
}

func (g *StepGroup) addSemantic(key string, v domain.Value, unit string) {
	val := v
	switch key {
	case "weight":
		g.Weight = &val
		g.WeightUnit = unit
	case "height":
		g.Height = &val
		g.HeightUnit = unit
	}
	g.operands = append(g.operands, v)
}

// semanticKey infers the BMI/BSA role of a field from its label.
func semanticKey(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "weight"):
		return "weight"
	case strings.Contains(l, "height"):
		return "height"
	}
	return ""
}

// unitOf infers a measurement unit from a field label.
func unitOf(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "cm"):
		return "cm"
	case strings.Contains(l, "m"):
		return "m"
	case strings.Contains(l, "kg"):
		return "kg"
	}
	return ""
}

type grouper struct {
	groups []StepGroup
	cur    StepGroup
}

func (gr *grouper) flush(action GroupAction) {
	g := gr.cur
	g.Action = action
	gr.groups = append(gr.groups, g)
	gr.cur = StepGroup{}
}

func (gr *grouper) join(fn Function) {
	gr.groups = append(gr.groups, StepGroup{Action: ActionJoin, Function1: fn})
}

// GroupDerivationSteps folds derivation steps into step groups. Field
// references resolve against fields; a missing field falls back to the
// step's literal value, if any.
func GroupDerivationSteps(steps []domain.Step, fields []*domain.Field) []StepGroup {
	var gr grouper
	for _, step := range steps {
		switch step.Type {
		case domain.StepField:
			if f := LocateField(fields, step.FieldID); f != nil {
				if key := semanticKey(f.Label); key != "" {
					gr.cur.addSemantic(key, f.ModelValue, unitOf(f.Label))
				} else {
					gr.cur.addParam(f.ModelValue)
				}
			} else if step.Value.Truthy() {
				gr.cur.addParam(step.Value)
			}
		case domain.StepFunction:
			if step.FunctionName == "" {
				continue
			}
			fn := canonical(step.FunctionName)
			switch {
			case fn.IsJoin():
				gr.flush(ActionExpression)
				gr.join(fn)
			case fn == FnSetValue:
				gr.flush(ActionExpression)
				gr.cur.Function1 = fn
			case fn == FnAlternateValue || fn == FnNot:
				gr.cur.Function2 = fn
			default:
				gr.cur.Function1 = fn
			}
		case domain.StepConstant:
			if step.Value.Truthy() {
				gr.cur.addParam(step.Value)
			}
		}
	}
	if !gr.cur.empty() {
		action := ActionExpression
		if gr.cur.Function1 == FnSetValue || gr.cur.Function1 == FnAlternateValue {
			action = ActionSet
		}
		gr.flush(action)
	}
	return gr.groups
}

// ValueGetter returns the current value of a field referenced by an edit
// check. It may consult persisted data and so takes a context.
type ValueGetter func(ctx context.Context, scope domain.Scope, field *domain.Field) (domain.Value, error)

// GroupCheckSteps folds edit-check steps into step groups. Every field
// reference occupies a positional param; a missing field contributes null.
// Not is stored as the modifier of the current group.
func GroupCheckSteps(ctx context.Context, steps []domain.Step, fields []*domain.Field, scope domain.Scope, get ValueGetter) ([]StepGroup, error) {
	var gr grouper
	for _, step := range steps {
		switch step.Type {
		case domain.StepField:
			f := LocateField(fields, step.FieldID)
			if f == nil {
				gr.cur.addParam(domain.Null())
				continue
			}
			v, err := get(ctx, scope, f)
			if err != nil {
				return nil, err
			}
			gr.cur.addParam(v)
		case domain.StepFunction:
			if step.FunctionName == "" {
				continue
			}
			fn := canonical(step.FunctionName)
			switch {
			case fn.IsJoin():
				gr.flush(ActionExpression)
				gr.join(fn)
			case fn == FnNot:
				gr.cur.Function2 = fn
			default:
				gr.cur.Function1 = fn
			}
		case domain.StepConstant:
			if step.Value.Truthy() {
				gr.cur.addParam(step.Value)
			}
		}
	}
	if !gr.cur.empty() {
		gr.flush(ActionExpression)
	}
	return gr.groups, nil
}
