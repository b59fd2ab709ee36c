package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepType tags a rule step.
type StepType int

const (
	StepField    StepType = 1 // reference to another field's value
	StepFunction StepType = 2 // function or join operator name
	StepConstant StepType = 3 // literal
)

// Step is one atomic unit of a rule.
type Step struct {
	Type         StepType `json:"type"`
	FieldID      int64    `json:"fieldId,omitempty"`
	FunctionName string   `json:"functionName,omitempty"`
	Value        Value    `json:"value"`
}

// UnmarshalJSON accepts the derivation and edit-check spellings of the
// function name as well as the canonical one.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type                   StepType `json:"type"`
		FieldID                int64    `json:"fieldId"`
		FunctionName           string   `json:"functionName"`
		DerivationFunctionName string   `json:"derivationFunctionName"`
		CheckFunctionName      string   `json:"checkFunctionName"`
		Value                  Value    `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Type = raw.Type
	s.FieldID = raw.FieldID
	s.Value = raw.Value
	s.FunctionName = raw.FunctionName
	if s.FunctionName == "" {
		s.FunctionName = raw.DerivationFunctionName
	}
	if s.FunctionName == "" {
		s.FunctionName = raw.CheckFunctionName
	}
	return nil
}

// Action names the field that receives a rule's outcome.
// ID 0 is an unsaved action and never matches; FolderID 0 means unscoped.
type Action struct {
	ID            int64 `json:"id"`
	FieldID       int64 `json:"fieldId"`
	FolderID      int64 `json:"folderId,omitempty"`
	IsEnableField bool  `json:"isEnableField,omitempty"`
}

// Rule is an ordered step list plus its target actions.
type Rule struct {
	Steps   []Step   `json:"steps"`
	Actions []Action `json:"actions"`
}

// RuleEntry is one rule of a RuleBook. Key has the form
// "<prefix>_<targetFieldId>"; ID identifies the rule inside its key and
// equals Key for flat books.
type RuleEntry struct {
	Key  string
	ID   string
	Rule Rule
}

// TargetFieldID parses the field id after the last underscore of Key.
func (e RuleEntry) TargetFieldID() (int64, bool) {
	return TargetFieldID(e.Key)
}

// TargetFieldID parses the field id suffix of a rule key.
func TargetFieldID(key string) (int64, bool) {
	idx := strings.LastIndex(key, "_")
	if idx < 0 || idx == len(key)-1 {
		return 0, false
	}
	id, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// RuleBook is an ordered rule collection for one rule family.
//
// Two JSON shapes decode into it: flat {key: {steps, actions}} and nested
// {key: {ruleId: {steps, actions}}}. The shape read is the shape written.
type RuleBook struct {
	Entries []RuleEntry
	Nested  bool
}

// NewRuleBook creates an empty flat book.
func NewRuleBook() *RuleBook {
	return &RuleBook{}
}

// Add appends a rule. An empty id makes the entry flat-keyed.
func (b *RuleBook) Add(key, id string, rule Rule) *RuleBook {
	if id == "" {
		id = key
	} else if id != key {
		b.Nested = true
	}
	b.Entries = append(b.Entries, RuleEntry{Key: key, ID: id, Rule: rule})
	return b
}

// Len returns the number of rules.
func (b *RuleBook) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}

// MarshalJSON implements json.Marshaler.
func (b *RuleBook) MarshalJSON() ([]byte, error) {
	var obj orderedObject
	if !b.Nested {
		for _, e := range b.Entries {
			if err := obj.add(e.Key, e.Rule); err != nil {
				return nil, err
			}
		}
		return obj.encode(), nil
	}

	var keys []string
	inner := make(map[string]*orderedObject)
	for _, e := range b.Entries {
		o, ok := inner[e.Key]
		if !ok {
			o = &orderedObject{}
			inner[e.Key] = o
			keys = append(keys, e.Key)
		}
		if err := o.add(e.ID, e.Rule); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		if err := obj.add(k, json.RawMessage(inner[k].encode())); err != nil {
			return nil, err
		}
	}
	return obj.encode(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Integer-like keys come first
// in ascending order, then the rest in document order.
func (b *RuleBook) UnmarshalJSON(data []byte) error {
	b.Entries = nil
	b.Nested = false
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return eachMemberIndexFirst(data, func(key string, raw json.RawMessage) error {
		flat, err := isRuleObject(raw)
		if err != nil {
			return fmt.Errorf("rule %q: %w", key, err)
		}
		if flat {
			var r Rule
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("rule %q: %w", key, err)
			}
			b.Entries = append(b.Entries, RuleEntry{Key: key, ID: key, Rule: r})
			return nil
		}
		b.Nested = true
		return eachMemberIndexFirst(raw, func(id string, ruleRaw json.RawMessage) error {
			var r Rule
			if err := json.Unmarshal(ruleRaw, &r); err != nil {
				return fmt.Errorf("rule %q/%q: %w", key, id, err)
			}
			b.Entries = append(b.Entries, RuleEntry{Key: key, ID: id, Rule: r})
			return nil
		})
	})
}

func isRuleObject(raw json.RawMessage) (bool, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return false, err
	}
	_, hasSteps := members["steps"]
	_, hasActions := members["actions"]
	return hasSteps || hasActions || len(members) == 0, nil
}

// Family is a rule family.
type Family string

const (
	FamilyDerivation Family = "derivation"
	FamilyVisibility Family = "visibility"
	FamilyDisable    Family = "disable"
	FamilyNonLog     Family = "nonlog"
)

// RuleSet bundles the four rule families configured for one form.
type RuleSet struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId,omitempty"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	CheckForVisitID bool      `json:"checkForVisitId"`
	Derivations     *RuleBook `json:"derivations,omitempty"`
	Visibility      *RuleBook `json:"visibility,omitempty"`
	Disable         *RuleBook `json:"disable,omitempty"`
	NonLog          *RuleBook `json:"nonLog,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Book returns the rule book of a family, never nil.
func (s *RuleSet) Book(family Family) *RuleBook {
	var b *RuleBook
	switch family {
	case FamilyDerivation:
		b = s.Derivations
	case FamilyVisibility:
		b = s.Visibility
	case FamilyDisable:
		b = s.Disable
	case FamilyNonLog:
		b = s.NonLog
	}
	if b == nil {
		return NewRuleBook()
	}
	return b
}

// RuleCount returns the number of rules across all families.
func (s *RuleSet) RuleCount() int {
	return s.Derivations.Len() + s.Visibility.Len() + s.Disable.Len() + s.NonLog.Len()
}
