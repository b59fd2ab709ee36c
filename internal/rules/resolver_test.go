package rules

import (
	"testing"

	"github.com/opensource-clinical/formrules/internal/domain"
)

func TestResolveTargetFolderScope(t *testing.T) {
	scoped := []domain.Action{{ID: 1, FieldID: 10, FolderID: 5}}

	tests := []struct {
		name  string
		scope domain.Scope
		want  int64
	}{
		{"scoping off fires regardless of folder", domain.Scope{CheckForVisitID: false, ActiveFolderID: 7}, 10},
		{"scoping on with other folder", domain.Scope{CheckForVisitID: true, ActiveFolderID: 7}, NoTarget},
		{"scoping on with no active folder", domain.Scope{CheckForVisitID: true}, NoTarget},
		{"scoping on with matching folder", domain.Scope{CheckForVisitID: true, ActiveFolderID: 5}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveTarget(scoped, 10, tt.scope); got != tt.want {
				t.Errorf("ResolveTarget = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResolveTargetUnmatched(t *testing.T) {
	actions := []domain.Action{
		{ID: 0, FieldID: 10},
		{ID: 2, FieldID: 11},
	}
	if got := ResolveTarget(actions, 10, domain.Scope{}); got != NoTarget {
		t.Errorf("unsaved action must not match, got %d", got)
	}
	if got := ResolveTarget(actions, 11, domain.Scope{}); got != 11 {
		t.Errorf("expected 11, got %d", got)
	}
	unscoped := []domain.Action{{ID: 3, FieldID: 12}}
	if got := ResolveTarget(unscoped, 12, domain.Scope{CheckForVisitID: true, ActiveFolderID: 9}); got != 12 {
		t.Errorf("unscoped action should match in any folder, got %d", got)
	}
}

func TestAppliesToField(t *testing.T) {
	actions := []domain.Action{{ID: 1, FieldID: 10, FolderID: 5}}
	if !AppliesToField(actions, 99, domain.Scope{}) {
		t.Error("without folder scoping every derivation applies")
	}
	if AppliesToField(actions, 10, domain.Scope{CheckForVisitID: true, ActiveFolderID: 6}) {
		t.Error("derivation scoped to folder 5 must not apply in folder 6")
	}
	if !AppliesToField(actions, 10, domain.Scope{CheckForVisitID: true, ActiveFolderID: 5}) {
		t.Error("derivation should apply in its folder")
	}
}

func TestClassify(t *testing.T) {
	empty := domain.Rule{Steps: []domain.Step{fnStep("EqualTo")}}
	for _, family := range []domain.Family{
		domain.FamilyDerivation, domain.FamilyVisibility, domain.FamilyDisable, domain.FamilyNonLog,
	} {
		if f := Classify(empty, family); f.Active() || f.IsEnabled {
			t.Errorf("%s: rule without actions classified as %+v", family, f)
		}
	}

	enabled := domain.Rule{Actions: []domain.Action{{ID: 1, FieldID: 3, IsEnableField: true}}}
	if f := Classify(enabled, domain.FamilyDerivation); !f.IsDerivation || !f.IsEnabled {
		t.Errorf("expected enabled derivation, got %+v", f)
	}
	unsaved := domain.Rule{Actions: []domain.Action{{FieldID: 3, IsEnableField: true}}}
	if f := Classify(unsaved, domain.FamilyDerivation); !f.IsDerivation || f.IsEnabled {
		t.Errorf("unsaved enable action must not enable, got %+v", f)
	}
	if f := Classify(enabled, domain.FamilyVisibility); !f.IsVisibilityCheck || f.IsDerivation {
		t.Errorf("expected visibility check, got %+v", f)
	}
}
