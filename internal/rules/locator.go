package rules

import "github.com/opensource-clinical/formrules/internal/domain"

// LocateField finds a leaf field by id in one group's field list: heading
// children first, then top-level leaves, in document order. Headings
// themselves never match.
func LocateField(fields []*domain.Field, id int64) *domain.Field {
	for _, f := range fields {
		if f.HasChildren() {
			for _, child := range f.Children {
				if child.ID == id {
					return child
				}
			}
		} else if !f.IsHeading && f.ID == id {
			return f
		}
	}
	return nil
}

// LocateInTree searches every group of the tree and returns the first match.
func LocateInTree(tree *domain.FieldTree, id int64) *domain.Field {
	if tree == nil {
		return nil
	}
	for _, g := range tree.Groups {
		if f := LocateField(g.Fields, id); f != nil {
			return f
		}
	}
	return nil
}

// fieldPosition addresses a leaf inside a group: row index, and child index
// for heading children (-1 for top-level leaves).
type fieldPosition struct {
	row   int
	child int
}

// positionOf returns the position of a leaf id inside one group's list.
func positionOf(fields []*domain.Field, id int64) (fieldPosition, bool) {
	for i, f := range fields {
		if f.HasChildren() {
			for j, child := range f.Children {
				if child.ID == id {
					return fieldPosition{row: i, child: j}, true
				}
			}
		} else if !f.IsHeading && f.ID == id {
			return fieldPosition{row: i, child: -1}, true
		}
	}
	return fieldPosition{}, false
}

// at returns the field at pos in fields, or nil when the list is shorter.
func (pos fieldPosition) at(fields []*domain.Field) *domain.Field {
	if pos.row < 0 || pos.row >= len(fields) {
		return nil
	}
	row := fields[pos.row]
	if pos.child < 0 {
		return row
	}
	if pos.child >= len(row.Children) {
		return nil
	}
	return row.Children[pos.child]
}
