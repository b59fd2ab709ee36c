package domain

import (
	"encoding/json"
	"fmt"
)

// ControlType is the widget kind of a form field.
type ControlType string

const (
	ControlText        ControlType = "text"
	ControlNumber      ControlType = "number"
	ControlDate        ControlType = "date"
	ControlTime        ControlType = "time"
	ControlDateTime    ControlType = "datetime"
	ControlChoice      ControlType = "choice"
	ControlMultiChoice ControlType = "multi-choice"
	ControlFile        ControlType = "file"
	ControlHeading     ControlType = "heading"
)

// Field is one node of a data-entry form. Headings group leaf fields one
// level deep; their own visibility follows their children.
type Field struct {
	ID             int64       `json:"id"`
	Label          string      `json:"label,omitempty"`
	ControlType    ControlType `json:"controlType,omitempty"`
	Format         string      `json:"format,omitempty"`
	Placeholder    string      `json:"placeholder,omitempty"`
	FolderID       int64       `json:"folderId,omitempty"`
	ModelValue     Value       `json:"modelValue"`
	SpecifiedValue *string     `json:"specifiedValue"`
	IsVisible      bool        `json:"isVisible"`
	Disabled       bool        `json:"disabled"`
	IsFrozen       bool        `json:"isFrozen"`
	IsLocked       bool        `json:"isLocked"`
	IsHeading      bool        `json:"isHeading"`
	IsLogDataEntry bool        `json:"isLogDataEntry"`
	Children       []*Field    `json:"children,omitempty"`
}

// HasChildren reports whether f is a heading with at least one child.
func (f *Field) HasChildren() bool {
	return f.IsHeading && len(f.Children) > 0
}

// Clone returns a deep copy of f. Children are copied as leaves; the form
// model has no nesting below a heading.
func (f *Field) Clone() *Field {
	if f == nil {
		return nil
	}
	out := *f
	out.ModelValue = f.ModelValue.Clone()
	if f.SpecifiedValue != nil {
		s := *f.SpecifiedValue
		out.SpecifiedValue = &s
	}
	out.Children = nil
	if f.Children != nil {
		out.Children = make([]*Field, len(f.Children))
		for i, child := range f.Children {
			leaf := child.Clone()
			if leaf != nil {
				leaf.Children = nil
			}
			out.Children[i] = leaf
		}
	}
	return &out
}

// FieldGroup is the ordered field list of one subject/visit/folder/log-entry.
type FieldGroup struct {
	Key    string
	Fields []*Field
}

// FieldTree maps group keys to field lists, preserving group order.
type FieldTree struct {
	Groups []*FieldGroup
}

// NewFieldTree creates an empty tree.
func NewFieldTree() *FieldTree {
	return &FieldTree{}
}

// Add appends fields to the group with the given key, creating it if needed.
func (t *FieldTree) Add(key string, fields ...*Field) *FieldTree {
	if g := t.Group(key); g != nil {
		g.Fields = append(g.Fields, fields...)
		return t
	}
	t.Groups = append(t.Groups, &FieldGroup{Key: key, Fields: fields})
	return t
}

// Group returns the group with the given key, or nil.
func (t *FieldTree) Group(key string) *FieldGroup {
	if t == nil {
		return nil
	}
	for _, g := range t.Groups {
		if g.Key == key {
			return g
		}
	}
	return nil
}

// Len returns the number of groups.
func (t *FieldTree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Groups)
}

// Clone returns a deep copy of the tree.
func (t *FieldTree) Clone() *FieldTree {
	if t == nil {
		return nil
	}
	out := &FieldTree{Groups: make([]*FieldGroup, len(t.Groups))}
	for i, g := range t.Groups {
		fields := make([]*Field, len(g.Fields))
		for j, f := range g.Fields {
			fields[j] = f.Clone()
		}
		out.Groups[i] = &FieldGroup{Key: g.Key, Fields: fields}
	}
	return out
}

// Leaves calls fn for every leaf field: top-level non-heading fields and the
// children of headings, in document order.
func (t *FieldTree) Leaves(fn func(group *FieldGroup, field *Field)) {
	if t == nil {
		return
	}
	for _, g := range t.Groups {
		for _, f := range g.Fields {
			if f.HasChildren() {
				for _, child := range f.Children {
					fn(g, child)
				}
			} else if !f.IsHeading {
				fn(g, f)
			}
		}
	}
}

// MarshalJSON encodes the tree as an object keyed by group key.
func (t *FieldTree) MarshalJSON() ([]byte, error) {
	var obj orderedObject
	for _, g := range t.Groups {
		fields := g.Fields
		if fields == nil {
			fields = []*Field{}
		}
		if err := obj.add(g.Key, fields); err != nil {
			return nil, err
		}
	}
	return obj.encode(), nil
}

// UnmarshalJSON decodes a group-keyed object, keeping document order.
func (t *FieldTree) UnmarshalJSON(data []byte) error {
	t.Groups = nil
	return eachMember(data, func(key string, raw json.RawMessage) error {
		var fields []*Field
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("group %q: %w", key, err)
		}
		t.Groups = append(t.Groups, &FieldGroup{Key: key, Fields: fields})
		return nil
	})
}
