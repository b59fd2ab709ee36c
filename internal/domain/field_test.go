package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

const treeJSON = `{
	"visit-2": [{"id": 5, "label": "Pulse", "modelValue": 72, "isVisible": true}],
	"visit-1": [
		{"id": 1, "label": "Weight", "modelValue": "70", "isVisible": true},
		{"id": 9, "isHeading": true, "isVisible": true, "children": [
			{"id": 2, "label": "Height", "modelValue": null, "isVisible": true}
		]}
	]
}`

func TestFieldTreeKeepsGroupOrder(t *testing.T) {
	var tree FieldTree
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tree.Len() != 2 || tree.Groups[0].Key != "visit-2" || tree.Groups[1].Key != "visit-1" {
		t.Fatalf("group order lost: %+v", tree.Groups)
	}

	out, err := json.Marshal(&tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Index(string(out), `"visit-2"`) > strings.Index(string(out), `"visit-1"`) {
		t.Errorf("encoded group order lost: %s", out)
	}
}

func TestFieldTreeLeavesAndClone(t *testing.T) {
	var tree FieldTree
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var ids []int64
	tree.Leaves(func(_ *FieldGroup, f *Field) { ids = append(ids, f.ID) })
	if len(ids) != 3 || ids[0] != 5 || ids[1] != 1 || ids[2] != 2 {
		t.Errorf("leaves = %v, want [5 1 2]", ids)
	}

	clone := tree.Clone()
	clone.Group("visit-1").Fields[1].Children[0].ModelValue = String("175")
	if !tree.Group("visit-1").Fields[1].Children[0].ModelValue.IsNull() {
		t.Error("clone shares children with the original")
	}
}

func TestFieldTreeAdd(t *testing.T) {
	tree := NewFieldTree().
		Add("a", &Field{ID: 1}).
		Add("b", &Field{ID: 2}).
		Add("a", &Field{ID: 3})
	if tree.Len() != 2 || len(tree.Group("a").Fields) != 2 {
		t.Errorf("unexpected tree %+v", tree.Groups)
	}
	if tree.Group("missing") != nil {
		t.Error("missing group should be nil")
	}
}
