package rules

import "github.com/opensource-clinical/formrules/internal/domain"

// DerivedPlaceholder replaces the placeholder of locked derived fields.
const DerivedPlaceholder = "Derived"

// Applied is the outcome of applying edit-check results to a tree and its
// reference copy.
type Applied struct {
	Tree    *domain.FieldTree
	Ref     *domain.FieldTree
	Changed bool
	Cleared int
}

// ApplyDerivations writes derivation outcomes into tree in place. A field
// takes the first truthy outcome recorded for it; a field whose outcomes are
// all falsy is cleared to null.
func ApplyDerivations(tree *domain.FieldTree, results *domain.DerivationResults) {
	if results.Len() == 0 {
		return
	}
	tree.Leaves(func(_ *domain.FieldGroup, f *domain.Field) {
		if !results.Has(f.ID) {
			return
		}
		for _, v := range results.Outcomes(f.ID) {
			if v.Truthy() {
				f.ModelValue = v.Clone()
				return
			}
		}
		f.ModelValue = domain.Null()
	})
}

// ApplyVisibility shows or hides fields on copies of tree and ref. A field
// is visible only when every visibility rule on it passed. Hiding clears the
// field's value and specified value.
func ApplyVisibility(tree, ref *domain.FieldTree, results *domain.CheckResults) Applied {
	out := Applied{Tree: tree.Clone(), Ref: ref.Clone()}
	for _, fieldID := range results.Fields() {
		visible := allTrue(results.Outcomes(fieldID))
		changed := eachTarget(out.Tree, out.Ref, fieldID, func(f, r *domain.Field) bool {
			if f.IsVisible == visible {
				return false
			}
			f.IsVisible = visible
			if r != nil {
				r.IsVisible = visible
			}
			if !visible && clearValue(f, r) {
				out.Cleared++
			}
			return true
		})
		out.Changed = out.Changed || changed
	}
	return out
}

// ApplyDisable enables or disables fields on copies of tree and ref. Each
// rule outcome is applied in turn; frozen and locked fields stay disabled.
// A true outcome clears the field's value.
func ApplyDisable(tree, ref *domain.FieldTree, results *domain.CheckResults) Applied {
	out := Applied{Tree: tree.Clone(), Ref: ref.Clone()}
	for _, fieldID := range results.Fields() {
		for _, disable := range results.Outcomes(fieldID) {
			changed := eachTarget(out.Tree, out.Ref, fieldID, func(f, r *domain.Field) bool {
				next := disable || f.IsFrozen || f.IsLocked
				if f.Disabled == next {
					return false
				}
				f.Disabled = next
				if r != nil {
					r.Disabled = disable || r.IsFrozen || r.IsLocked
				}
				if disable && clearValue(f, r) {
					out.Cleared++
				}
				return true
			})
			out.Changed = out.Changed || changed
		}
	}
	return out
}

// clearValue empties a field and its reference twin. It reports whether
// anything held data.
func clearValue(f, r *domain.Field) bool {
	had := f.ModelValue.Truthy() || f.SpecifiedValue != nil
	f.ModelValue = f.ModelValue.Cleared()
	f.SpecifiedValue = nil
	if r != nil {
		r.ModelValue = r.ModelValue.Cleared()
		r.SpecifiedValue = nil
	}
	return had
}

// eachTarget calls fn for every leaf with the given id across all groups,
// passing the reference twin at the same position when it exists. Headings
// whose children changed recompute their visibility from those children.
func eachTarget(tree, ref *domain.FieldTree, fieldID int64, fn func(f, r *domain.Field) bool) bool {
	changed := false
	if tree == nil {
		return false
	}
	for _, g := range tree.Groups {
		var refFields []*domain.Field
		if rg := ref.Group(g.Key); rg != nil {
			refFields = rg.Fields
		}
		for i, row := range g.Fields {
			if row.HasChildren() {
				childChanged := false
				for j, child := range row.Children {
					if child.ID != fieldID {
						continue
					}
					twin := fieldPosition{row: i, child: j}.at(refFields)
					if fn(child, twin) {
						childChanged = true
					}
				}
				if childChanged {
					row.IsVisible = anyChildVisible(row)
					changed = true
				}
			} else if !row.IsHeading && row.ID == fieldID {
				twin := fieldPosition{row: i, child: -1}.at(refFields)
				if fn(row, twin) {
					changed = true
				}
			}
		}
	}
	return changed
}

func anyChildVisible(heading *domain.Field) bool {
	for _, child := range heading.Children {
		if child.IsVisible {
			return true
		}
	}
	return false
}
