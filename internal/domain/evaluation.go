package domain

import (
	"time"
)

// Scope is the evaluation context threaded through every pass.
// ActiveFolderID 0 means no folder is active. GroupKey names the group an
// edit check is being evaluated in; the engine sets it per group.
// Inline marks a pass over a caller-supplied tree: field references then
// resolve from that tree only, never from persisted values.
type Scope struct {
	TenantID        string `json:"tenantId,omitempty"`
	FormKey         string `json:"formKey,omitempty"`
	GroupKey        string `json:"groupKey,omitempty"`
	CheckForVisitID bool   `json:"checkForVisitId"`
	ActiveFolderID  int64  `json:"activeFolderId,omitempty"`
	Inline          bool   `json:"inline,omitempty"`
}

// Evaluation is the outcome of one full pass over a form.
type Evaluation struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenantId"`
	FormKey           string             `json:"formKey,omitempty"`
	Tree              *FieldTree         `json:"tree"`
	Ref               *FieldTree         `json:"ref,omitempty"`
	Derivations       *DerivationResults `json:"derivations"`
	Visibility        *CheckResults      `json:"visibility"`
	Disable           *CheckResults      `json:"disable"`
	VisibilityChanged bool               `json:"visibilityChanged"`
	DisableChanged    bool               `json:"disableChanged"`
	RunOnceFieldIDs   []int64            `json:"runOnceFieldIds,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Metadata          EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId"`
	DeriveMs       int64  `json:"deriveMs"`
	VisibilityMs   int64  `json:"visibilityMs"`
	DisableMs      int64  `json:"disableMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	FieldsCleared  int    `json:"fieldsCleared"`
	EngineVersion  string `json:"engineVersion"`
}

// Changed reports whether the pass altered visibility or disabled state.
func (e *Evaluation) Changed() bool {
	return e.VisibilityChanged || e.DisableChanged
}

// EvaluationSummary is the compact form published on the bus.
type EvaluationSummary struct {
	EvaluationID string             `json:"evaluationId"`
	TenantID     string             `json:"tenantId"`
	FormKey      string             `json:"formKey"`
	Changed      bool               `json:"changed"`
	DerivedIDs   []int64            `json:"derivedFieldIds,omitempty"`
	HiddenIDs    []int64            `json:"hiddenFieldIds,omitempty"`
	DisabledIDs  []int64            `json:"disabledFieldIds,omitempty"`
	Metadata     EvaluationMetadata `json:"metadata"`
}

// Summary converts an Evaluation to its bus form.
func (e *Evaluation) Summary() *EvaluationSummary {
	s := &EvaluationSummary{
		EvaluationID: e.ID,
		TenantID:     e.TenantID,
		FormKey:      e.FormKey,
		Changed:      e.Changed(),
		Metadata:     e.Metadata,
	}
	for _, id := range e.Derivations.Fields() {
		for _, v := range e.Derivations.Outcomes(id) {
			if v.Truthy() {
				s.DerivedIDs = append(s.DerivedIDs, id)
				break
			}
		}
	}
	e.Tree.Leaves(func(_ *FieldGroup, f *Field) {
		if e.Visibility.Has(f.ID) && !f.IsVisible {
			s.HiddenIDs = append(s.HiddenIDs, f.ID)
		}
		if e.Disable.Has(f.ID) && f.Disabled {
			s.DisabledIDs = append(s.DisabledIDs, f.ID)
		}
	})
	return s
}

// FormSnapshot is the persisted state of one form instance.
type FormSnapshot struct {
	TenantID        string     `json:"tenantId"`
	FormKey         string     `json:"formKey"`
	RuleSetID       string     `json:"ruleSetId,omitempty"`
	Tree            *FieldTree `json:"tree"`
	Ref             *FieldTree `json:"ref,omitempty"`
	RunOnceFieldIDs []int64    `json:"runOnceFieldIds,omitempty"`
	ActiveFolderID  int64      `json:"activeFolderId,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// RuleSetKey returns the rule set a snapshot evaluates against.
func (s *FormSnapshot) RuleSetKey() string {
	if s.RuleSetID != "" {
		return s.RuleSetID
	}
	return s.FormKey
}

// FieldValue is a persisted field value. Rows of a log form share field
// ids, so values are keyed by group as well.
type FieldValue struct {
	TenantID       string    `json:"tenantId"`
	FormKey        string    `json:"formKey"`
	GroupKey       string    `json:"groupKey"`
	FieldID        int64     `json:"fieldId"`
	Value          Value     `json:"value"`
	SpecifiedValue *string   `json:"specifiedValue,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// FieldChange is a data-entry event: one field of one form received a value.
// An empty GroupKey applies the value in every group holding the field.
type FieldChange struct {
	TenantID       string  `json:"tenantId"`
	FormKey        string  `json:"formKey"`
	GroupKey       string  `json:"groupKey,omitempty"`
	FieldID        int64   `json:"fieldId"`
	Value          Value   `json:"value"`
	SpecifiedValue *string `json:"specifiedValue,omitempty"`
}
