package rules

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// Severity levels of lint issues.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is a problem found in a rule book without evaluating it.
type Issue struct {
	Severity string        `json:"severity"`
	Family   domain.Family `json:"family,omitempty"`
	Key      string        `json:"key,omitempty"`
	Rule     string        `json:"rule,omitempty"`
	Message  string        `json:"message"`
}

// LintResult collects lint issues. Valid is false when any issue is an error.
type LintResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

func newLintResult() *LintResult {
	return &LintResult{Valid: true, Issues: make([]Issue, 0)}
}

// derivationOnly lists functions that produce values and have no meaning in
// an edit check.
var derivationOnly = map[Function]bool{
	FnBMI:            true,
	FnBSA:            true,
	FnTotalSum:       true,
	FnMean:           true,
	FnFetchValue:     true,
	FnSetValue:       true,
	FnAlternateValue: true,
}

// Lint statically checks one rule family.
func Lint(book *domain.RuleBook, family domain.Family) *LintResult {
	r := newLintResult()
	r.lintBook(book, family)
	return r
}

// LintRuleSet checks every family of a rule set.
func LintRuleSet(set *domain.RuleSet) *LintResult {
	r := newLintResult()
	if set == nil {
		r.add(SeverityError, "", domain.RuleEntry{}, "rule set is required")
		return r
	}
	for _, family := range []domain.Family{
		domain.FamilyDerivation,
		domain.FamilyVisibility,
		domain.FamilyDisable,
		domain.FamilyNonLog,
	} {
		r.lintBook(set.Book(family), family)
	}
	return r
}

func (r *LintResult) lintBook(book *domain.RuleBook, family domain.Family) {
	if book.Len() == 0 {
		return
	}
	targetedBy := make(map[int64][]string)

	for _, entry := range book.Entries {
		target, ok := entry.TargetFieldID()
		if !ok {
			r.add(SeverityError, family, entry, fmt.Sprintf("key %q does not end in _<fieldId>", entry.Key))
		}
		if len(entry.Rule.Actions) == 0 {
			r.add(SeverityWarning, family, entry, "rule has no actions and is never evaluated")
		}

		targeted := false
		for _, a := range entry.Rule.Actions {
			if a.ID == 0 {
				r.add(SeverityWarning, family, entry, fmt.Sprintf("action for field %d is unsaved and never matches", a.FieldID))
			}
			if ok && a.FieldID == target {
				targeted = true
			}
		}
		if ok && len(entry.Rule.Actions) > 0 && !targeted && family != domain.FamilyNonLog {
			r.add(SeverityWarning, family, entry, fmt.Sprintf("no action targets field %d named by the key", target))
		}
		if ok && family == domain.FamilyDerivation && len(entry.Rule.Actions) > 0 {
			targetedBy[target] = append(targetedBy[target], entry.ID)
		}

		r.lintSteps(entry, family)
	}

	if family != domain.FamilyDerivation {
		return
	}
	ids := make([]int64, 0, len(targetedBy))
	for id := range targetedBy {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if rules := targetedBy[id]; len(rules) > 1 {
			r.Issues = append(r.Issues, Issue{
				Severity: SeverityWarning,
				Family:   family,
				Key:      strconv.FormatInt(id, 10),
				Message:  fmt.Sprintf("field %d is derived by %d rules %v; the first truthy result wins", id, len(rules), rules),
			})
		}
	}
}

func (r *LintResult) lintSteps(entry domain.RuleEntry, family domain.Family) {
	pendingSet := false
	for i, step := range entry.Rule.Steps {
		switch step.Type {
		case domain.StepField:
			if step.FieldID == 0 && !step.Value.Truthy() {
				r.add(SeverityWarning, family, entry, fmt.Sprintf("step %d references no field", i))
			}
			pendingSet = false
		case domain.StepConstant:
			if step.Value.Truthy() {
				pendingSet = false
			}
		case domain.StepFunction:
			if pendingSet {
				r.add(SeverityWarning, family, entry, "SetValue has no value to set")
				pendingSet = false
			}
			if step.FunctionName == "" {
				r.add(SeverityWarning, family, entry, fmt.Sprintf("step %d has no function name", i))
				continue
			}
			fn, known := LookupFunction(step.FunctionName)
			if !known {
				r.add(SeverityError, family, entry, fmt.Sprintf("unknown function %q at step %d", step.FunctionName, i))
				continue
			}
			if family != domain.FamilyDerivation && derivationOnly[fn] {
				r.add(SeverityWarning, family, entry, fmt.Sprintf("%s has no effect in a %s rule", fn, family))
			}
			if fn == FnSetValue {
				pendingSet = true
			}
		default:
			r.add(SeverityError, family, entry, fmt.Sprintf("step %d has unknown type %d", i, step.Type))
		}
	}
	if pendingSet {
		r.add(SeverityWarning, family, entry, "SetValue has no value to set")
	}
}

func (r *LintResult) add(severity string, family domain.Family, entry domain.RuleEntry, message string) {
	if severity == SeverityError {
		r.Valid = false
	}
	r.Issues = append(r.Issues, Issue{
		Severity: severity,
		Family:   family,
		Key:      entry.Key,
		Rule:     entry.ID,
		Message:  message,
	})
}

// Errors returns only the error issues.
func (r *LintResult) Errors() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}
