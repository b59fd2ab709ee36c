package rules

import (
	"log/slog"
	"math"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// evaluateExpression dispatches one expression group. It returns the
// group's boolean result and, for derivation functions, the formatted value
// when one was produced.
func evaluateExpression(g *StepGroup, format OutputFormat, opts Options) (bool, domain.Value, bool) {
	var result bool
	switch g.Function1 {
	case FnEqualTo, FnIsEqualTo:
		result = EqualTo(g.Operands())
	case FnLessThan:
		result = LessThan(g.Operands())
	case FnGreaterThan:
		result = GreaterThan(g.Operands())
	case FnIsNotEmpty:
		result = IsNotEmpty(g.Operands())
	case FnBMI:
		if g.Weight == nil || g.Height == nil {
			return false, domain.Null(), false
		}
		v, ok := BMI(*g.Weight, *g.Height, g.HeightUnit)
		out, ok := numericResult(v, ok, format, opts, format.Round)
		return false, out, ok
	case FnBSA:
		if g.Weight == nil || g.Height == nil {
			return false, domain.Null(), false
		}
		v, ok := BSA(*g.Weight, *g.Height)
		out, ok := numericResult(v, ok, format, opts, format.Round)
		return false, out, ok
	case FnTotalSum:
		if len(g.Params) == 0 {
			return false, domain.Null(), false
		}
		values := g.Params
		if allNull(values) {
			values = nil
		}
		v, ok := TotalSum(values)
		out, ok := numericResult(v, ok, format, opts, format.Round)
		return false, out, ok
	case FnMean:
		if len(g.Params) == 0 {
			return false, domain.Null(), false
		}
		values := g.Params
		if anyNull(values) {
			values = nil
		}
		v, ok := Mean(values)
		out, ok := numericResult(v, ok, format, opts, math.Ceil)
		return false, out, ok
	case FnFetchValue:
		if len(g.Params) == 0 {
			return false, domain.Null(), false
		}
		v, ok := FetchValue(g.Params[0])
		if !ok || format.Type == OutputNone {
			return false, domain.Null(), false
		}
		return false, format.Clip(v.Clone()), true
	case "":
		return false, domain.Null(), false
	default:
		slog.Debug("unknown rule function", "function", string(g.Function1))
		return false, domain.Null(), false
	}
	if g.Function2 == FnNot {
		result = !result
	}
	return result, domain.Null(), false
}

// numericResult shapes a computed number for a field. Falsy results and
// fields without a numeric format produce nothing.
func numericResult(v float64, ok bool, format OutputFormat, opts Options, shape func(float64) float64) (domain.Value, bool) {
	if !ok || v == 0 || math.IsNaN(v) || format.Type != OutputNumber {
		return domain.Null(), false
	}
	if math.IsInf(v, 0) && !opts.PropagateNonFinite {
		return domain.Null(), false
	}
	return domain.Number(shape(v)), true
}

// CombineDerivation folds derivation step groups into the value to write,
// or null when no derivation applies.
func CombineDerivation(groups []StepGroup, format OutputFormat, opts Options) domain.Value {
	var (
		result         bool
		previous       Function
		finalValue     = domain.Null()
		setValue       = domain.Null()
		alternateValue = domain.Null()
		entered        []bool
		andConds       []bool
		orConds        []bool
	)

	for i := range groups {
		g := &groups[i]
		switch g.Action {
		case ActionExpression:
			r, v, ok := evaluateExpression(g, format, opts)
			if g.Function1 == FnLessThan || g.Function1 == FnGreaterThan {
				entered = append(entered, wasEntered(g))
			}
			result = r
			if ok {
				finalValue = v
			}
		case ActionJoin:
			switch g.Function1 {
			case FnAnd:
				andConds = append(andConds, result)
			case FnOr:
				orConds = append(orConds, result)
			}
			previous = g.Function1
			result = false
		case ActionSet:
			switch previous {
			case FnAnd:
				andConds = append(andConds, result)
			case FnOr:
				orConds = append(orConds, result)
			}
			result = false
			if g.Function1 == FnSetValue {
				setValue = g.Param(1)
				if g.Function2 == FnAlternateValue {
					alternateValue = g.Param(2)
				}
			}
		}
	}

	hasAnd, hasOr := len(andConds) > 0, len(orConds) > 0
	if !hasAnd && !hasOr {
		return finalValue
	}
	if (!hasAnd || allTrue(andConds)) && hasOr && anyTrue(orConds) {
		return either(finalValue, setValue)
	}
	if opts.PartialMatchDerives && hasAnd && !hasOr && andConds[0] && !allTrue(andConds) && anyTrue(entered) {
		return either(finalValue, setValue)
	}
	if allTrue(andConds) && anyTrue(entered) && alternateValue.Truthy() {
		return alternateValue
	}
	return domain.Null()
}

// CombineCheck folds edit-check step groups into a single decision.
// All AND conditions must hold and, when OR conditions exist, one of them
// must hold. The result standing after the last join is counted as an OR
// condition; with no joins the single result stands.
func CombineCheck(groups []StepGroup) bool {
	var (
		result   bool
		joined   bool
		andConds []bool
		orConds  []bool
	)
	for i := range groups {
		g := &groups[i]
		switch g.Action {
		case ActionExpression:
			result, _, _ = evaluateExpression(g, OutputFormat{}, Options{})
		case ActionJoin:
			switch g.Function1 {
			case FnAnd:
				andConds = append(andConds, result)
			case FnOr:
				orConds = append(orConds, result)
			}
			joined = true
			result = false
		}
	}
	if joined {
		orConds = append(orConds, result)
	}
	if len(andConds) == 0 && len(orConds) == 0 {
		return result
	}
	return (len(andConds) == 0 || allTrue(andConds)) && (len(orConds) == 0 || anyTrue(orConds))
}

func either(first, second domain.Value) domain.Value {
	if first.Truthy() {
		return first
	}
	return second
}

// wasEntered reports whether a comparison's first positional param holds a
// value. A comparison with no positional param at all counts as entered.
func wasEntered(g *StepGroup) bool {
	if len(g.Params) == 0 {
		return true
	}
	return !g.Param(1).IsNull()
}

func allTrue(conds []bool) bool {
	for _, c := range conds {
		if !c {
			return false
		}
	}
	return true
}

func anyTrue(conds []bool) bool {
	for _, c := range conds {
		if c {
			return true
		}
	}
	return false
}

func allNull(values []domain.Value) bool {
	for _, v := range values {
		if !v.IsNull() {
			return false
		}
	}
	return true
}

func anyNull(values []domain.Value) bool {
	for _, v := range values {
		if v.IsNull() {
			return true
		}
	}
	return false
}
