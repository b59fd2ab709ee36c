package rules

import (
	"math"
	"strings"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// Function is a name from the closed rule function table.
type Function string

const (
	FnAnd            Function = "And"
	FnOr             Function = "Or"
	FnNot            Function = "Not"
	FnEqualTo        Function = "EqualTo"
	FnIsEqualTo      Function = "IsEqualTo"
	FnLessThan       Function = "LessThan"
	FnGreaterThan    Function = "GreaterThan"
	FnIsNotEmpty     Function = "IsNotEmpty"
	FnBMI            Function = "BMI"
	FnBSA            Function = "BSA"
	FnTotalSum       Function = "TotalSum"
	FnMean           Function = "Mean"
	FnFetchValue     Function = "FetchValue"
	FnSetValue       Function = "SetValue"
	FnAlternateValue Function = "AlternateValue"
)

var functionTable = func() map[string]Function {
	all := []Function{
		FnAnd, FnOr, FnNot, FnEqualTo, FnIsEqualTo, FnLessThan, FnGreaterThan,
		FnIsNotEmpty, FnBMI, FnBSA, FnTotalSum, FnMean, FnFetchValue,
		FnSetValue, FnAlternateValue,
	}
	m := make(map[string]Function, len(all))
	for _, fn := range all {
		m[strings.ToLower(string(fn))] = fn
	}
	return m
}()

// LookupFunction resolves a step's function name case-insensitively.
func LookupFunction(name string) (Function, bool) {
	fn, ok := functionTable[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}

// canonical returns the table spelling of name, or name itself if unknown.
func canonical(name string) Function {
	if fn, ok := LookupFunction(name); ok {
		return fn
	}
	return Function(name)
}

// IsJoin reports whether fn combines sub-expressions.
func (fn Function) IsJoin() bool {
	return fn == FnAnd || fn == FnOr
}

// EqualTo is true when every param renders the same as the first.
func EqualTo(params []domain.Value) bool {
	if len(params) == 0 {
		return true
	}
	first := params[0].String()
	for _, p := range params[1:] {
		if p.String() != first {
			return false
		}
	}
	return true
}

// LessThan compares the first two params numerically.
// Missing or falsy operands yield false.
func LessThan(params []domain.Value) bool {
	a, b, ok := comparable2(params)
	return ok && a < b
}

// GreaterThan compares the first two params numerically.
func GreaterThan(params []domain.Value) bool {
	a, b, ok := comparable2(params)
	return ok && a > b
}

func comparable2(params []domain.Value) (float64, float64, bool) {
	if len(params) < 2 || !params[0].Truthy() || !params[1].Truthy() {
		return 0, 0, false
	}
	return params[0].Float(), params[1].Float(), true
}

// IsNotEmpty is true when the first param is present, non-null and not "false".
func IsNotEmpty(params []domain.Value) bool {
	if len(params) == 0 {
		return false
	}
	return !params[0].IsNull() && params[0].String() != "false"
}

// BMI computes weight / height² with height in metres.
func BMI(weight, height domain.Value, unit string) (float64, bool) {
	if !weight.Truthy() || !height.Truthy() {
		return 0, false
	}
	h := height.Float()
	if unit == "cm" {
		h /= 100
	}
	return weight.Float() / (h * h), true
}

// BSA computes sqrt(weight * height / 3600).
func BSA(weight, height domain.Value) (float64, bool) {
	if !weight.Truthy() || !height.Truthy() {
		return 0, false
	}
	return math.Sqrt(weight.Float() * height.Float() / 3600), true
}

// TotalSum adds the truthy values. An empty list has no sum.
func TotalSum(values []domain.Value) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range values {
		if v.Truthy() {
			sum += v.Float()
		}
	}
	return sum, true
}

// Mean divides the sum of truthy values by the list length.
// An empty list has no mean; a list of falsy values has mean 0.
func Mean(values []domain.Value) (float64, bool) {
	sum, ok := TotalSum(values)
	if !ok {
		return 0, false
	}
	if sum == 0 {
		return 0, true
	}
	return sum / float64(len(values)), true
}

// FetchValue passes a truthy value through.
func FetchValue(v domain.Value) (domain.Value, bool) {
	if !v.Truthy() {
		return domain.Null(), false
	}
	return v, true
}
