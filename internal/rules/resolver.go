package rules

import "github.com/opensource-clinical/formrules/internal/domain"

// NoTarget is returned by ResolveTarget when no action targets the field.
const NoTarget int64 = -1

// ResolveTarget returns fieldID when some saved action targets it inside the
// active scope, and NoTarget otherwise.
func ResolveTarget(actions []domain.Action, fieldID int64, scope domain.Scope) int64 {
	for _, a := range actions {
		if a.ID != 0 && a.FieldID == fieldID && folderMatches(a, scope) {
			return fieldID
		}
	}
	return NoTarget
}

// folderMatches reports whether an action is in scope: folder scoping is
// off, the action is unscoped, or its folder is the active one.
func folderMatches(a domain.Action, scope domain.Scope) bool {
	if !scope.CheckForVisitID || a.FolderID == 0 {
		return true
	}
	return a.FolderID == scope.ActiveFolderID
}

// AppliesToField decides whether a derivation marks fieldID as derived.
// Without folder scoping every derivation applies.
func AppliesToField(actions []domain.Action, fieldID int64, scope domain.Scope) bool {
	if !scope.CheckForVisitID {
		return true
	}
	for _, a := range actions {
		if a.FieldID != fieldID {
			continue
		}
		if a.FolderID == 0 || a.FolderID == scope.ActiveFolderID {
			return true
		}
	}
	return false
}

// Flags classifies one rule for its family. Every flag is false for a rule
// without actions.
type Flags struct {
	IsDerivation      bool `json:"isDerivation"`
	IsEnabled         bool `json:"isEnabled"`
	IsVisibilityCheck bool `json:"isVisibilityCheck"`
	IsDisableCheck    bool `json:"isDisableCheck"`
	IsNonLogCheck     bool `json:"isNonLogCheck"`
}

// Active reports whether the rule takes part in evaluation of its family.
func (f Flags) Active() bool {
	return f.IsDerivation || f.IsVisibilityCheck || f.IsDisableCheck || f.IsNonLogCheck
}

// Classify computes the flags of a rule in the given family.
func Classify(rule domain.Rule, family domain.Family) Flags {
	var f Flags
	if len(rule.Actions) == 0 {
		return f
	}
	switch family {
	case domain.FamilyDerivation:
		f.IsDerivation = true
		for _, a := range rule.Actions {
			if a.ID != 0 && a.IsEnableField {
				f.IsEnabled = true
				break
			}
		}
	case domain.FamilyVisibility:
		f.IsVisibilityCheck = true
	case domain.FamilyDisable:
		f.IsDisableCheck = true
	case domain.FamilyNonLog:
		f.IsNonLogCheck = true
	}
	return f
}
