package rules

import "github.com/opensource-clinical/formrules/internal/domain"

// NonLogValues returns the default value of every field outside the
// repeating log group. A field takes the first truthy constant found in the
// rules whose key targets it, in book order; otherwise it maps to null.
func NonLogValues(tree *domain.FieldTree, book *domain.RuleBook) map[int64]domain.Value {
	out := make(map[int64]domain.Value)
	tree.Leaves(func(_ *domain.FieldGroup, f *domain.Field) {
		if f.IsLogDataEntry {
			return
		}
		out[f.ID] = firstConstantFor(book, f.ID)
	})
	return out
}

func firstConstantFor(book *domain.RuleBook, fieldID int64) domain.Value {
	if book.Len() == 0 {
		return domain.Null()
	}
	for _, entry := range book.Entries {
		target, ok := entry.TargetFieldID()
		if !ok || target != fieldID {
			continue
		}
		for _, step := range entry.Rule.Steps {
			if step.Type == domain.StepConstant && step.Value.Truthy() {
				return step.Value
			}
		}
	}
	return domain.Null()
}

// NonLogValuesForFields resolves default values without a field tree.
// Active rules are read in order; the last truthy constant seen so far is
// assigned to the first action field listed in fieldIDs.
func NonLogValuesForFields(book *domain.RuleBook, fieldIDs []int64) map[int64]domain.Value {
	out := make(map[int64]domain.Value)
	if book.Len() == 0 {
		return out
	}
	wanted := make(map[int64]struct{}, len(fieldIDs))
	for _, id := range fieldIDs {
		wanted[id] = struct{}{}
	}

	checkValue := domain.Null()
	for _, entry := range book.Entries {
		if !Classify(entry.Rule, domain.FamilyNonLog).IsNonLogCheck {
			continue
		}
		for _, step := range entry.Rule.Steps {
			if step.Type == domain.StepConstant && step.Value.Truthy() {
				checkValue = step.Value
			}
		}
		for _, a := range entry.Rule.Actions {
			if _, ok := wanted[a.FieldID]; ok {
				out[a.FieldID] = checkValue
				break
			}
		}
	}
	return out
}
