package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ResultMap records rule outcomes as fieldId -> ruleId -> outcome.
// Field and rule order follow first insertion; overwriting an outcome keeps
// its original position.
type ResultMap[T any] struct {
	fields []int64
	byID   map[int64]*ruleOutcomes[T]
}

type ruleOutcomes[T any] struct {
	ids  []string
	vals map[string]T
}

// CheckResults holds visibility and disable edit-check outcomes.
type CheckResults = ResultMap[bool]

// DerivationResults holds derivation outcomes. Bool(false) marks a rule that
// does not target the field; Null marks a rule that produced nothing.
type DerivationResults = ResultMap[Value]

// NewResultMap creates an empty result map.
func NewResultMap[T any]() *ResultMap[T] {
	return &ResultMap[T]{byID: make(map[int64]*ruleOutcomes[T])}
}

// Set records an outcome.
func (r *ResultMap[T]) Set(fieldID int64, ruleID string, outcome T) {
	if r.byID == nil {
		r.byID = make(map[int64]*ruleOutcomes[T])
	}
	o, ok := r.byID[fieldID]
	if !ok {
		o = &ruleOutcomes[T]{vals: make(map[string]T)}
		r.byID[fieldID] = o
		r.fields = append(r.fields, fieldID)
	}
	if _, seen := o.vals[ruleID]; !seen {
		o.ids = append(o.ids, ruleID)
	}
	o.vals[ruleID] = outcome
}

// Get returns one outcome.
func (r *ResultMap[T]) Get(fieldID int64, ruleID string) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	o, ok := r.byID[fieldID]
	if !ok {
		return zero, false
	}
	v, ok := o.vals[ruleID]
	return v, ok
}

// Has reports whether any outcome was recorded for the field.
func (r *ResultMap[T]) Has(fieldID int64) bool {
	if r == nil {
		return false
	}
	_, ok := r.byID[fieldID]
	return ok
}

// Fields returns field ids in insertion order.
func (r *ResultMap[T]) Fields() []int64 {
	if r == nil {
		return nil
	}
	return r.fields
}

// RuleIDs returns the rule ids recorded for a field in insertion order.
func (r *ResultMap[T]) RuleIDs(fieldID int64) []string {
	if r == nil {
		return nil
	}
	if o, ok := r.byID[fieldID]; ok {
		return o.ids
	}
	return nil
}

// Outcomes returns a field's outcomes in insertion order.
func (r *ResultMap[T]) Outcomes(fieldID int64) []T {
	if r == nil {
		return nil
	}
	o, ok := r.byID[fieldID]
	if !ok {
		return nil
	}
	out := make([]T, len(o.ids))
	for i, id := range o.ids {
		out[i] = o.vals[id]
	}
	return out
}

// Len returns the number of fields with outcomes.
func (r *ResultMap[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Count returns the total number of recorded outcomes.
func (r *ResultMap[T]) Count() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, o := range r.byID {
		n += len(o.ids)
	}
	return n
}

// MarshalJSON implements json.Marshaler.
func (r *ResultMap[T]) MarshalJSON() ([]byte, error) {
	var obj orderedObject
	for _, fieldID := range r.fields {
		o := r.byID[fieldID]
		var inner orderedObject
		for _, id := range o.ids {
			if err := inner.add(id, o.vals[id]); err != nil {
				return nil, err
			}
		}
		if err := obj.add(strconv.FormatInt(fieldID, 10), json.RawMessage(inner.encode())); err != nil {
			return nil, err
		}
	}
	return obj.encode(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ResultMap[T]) UnmarshalJSON(data []byte) error {
	r.fields = nil
	r.byID = make(map[int64]*ruleOutcomes[T])
	return eachMember(data, func(key string, raw json.RawMessage) error {
		fieldID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("field key %q: %w", key, err)
		}
		return eachMember(raw, func(ruleID string, val json.RawMessage) error {
			var outcome T
			if err := json.Unmarshal(val, &outcome); err != nil {
				return fmt.Errorf("outcome %s/%s: %w", key, ruleID, err)
			}
			r.Set(fieldID, ruleID, outcome)
			return nil
		})
	})
}
