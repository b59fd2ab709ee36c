package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the shape held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is a field model value or step literal.
// Lists hold opaque JSON items (file references, checked options) and objects
// hold a single option; the engine never looks inside either beyond
// display-string extraction.
type Value struct {
	kind  Kind
	b     bool
	num   float64
	str   string
	items []json.RawMessage
	raw   json.RawMessage
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// List wraps raw JSON items. A nil slice yields an empty list, not null.
func List(items ...json.RawMessage) Value {
	if items == nil {
		items = []json.RawMessage{}
	}
	return Value{kind: KindList, items: items}
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsList reports whether v is a list.
func (v Value) IsList() bool { return v.kind == KindList }

// Items returns the raw list items.
func (v Value) Items() []json.RawMessage { return v.items }

// Truthy follows the form runtime's truthiness: null, false, 0, NaN and the
// empty string are falsy; lists and objects are always truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case KindString:
		return v.str != ""
	case KindList, KindObject:
		return true
	}
	return false
}

// IsFinite reports whether v is not a NaN or infinite number.
func (v Value) IsFinite() bool {
	if v.kind != KindNumber {
		return true
	}
	return !math.IsNaN(v.num) && !math.IsInf(v.num, 0)
}

// String renders v the way the form runtime stringifies values.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return formatNumber(v.num)
	case KindString:
		return v.str
	case KindList:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = itemString(item)
		}
		return strings.Join(parts, ",")
	case KindObject:
		return itemString(v.raw)
	}
	return ""
}

// Float converts v to a number. Unparsable input yields NaN.
func (v Value) Float() float64 {
	switch v.kind {
	case KindNull:
		return 0
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindNumber:
		return v.num
	case KindString:
		s := strings.TrimSpace(v.str)
		if s == "" {
			return 0
		}
		switch s {
		case "Infinity", "+Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case KindList:
		if len(v.items) == 0 {
			return 0
		}
		if len(v.items) == 1 {
			return String(itemString(v.items[0])).Float()
		}
	}
	return math.NaN()
}

// Cleared returns the value a field holds after being hidden or disabled:
// an empty list for lists, null otherwise.
func (v Value) Cleared() Value {
	if v.kind == KindList {
		return List()
	}
	return Null()
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	out := v
	if v.items != nil {
		out.items = make([]json.RawMessage, len(v.items))
		for i, item := range v.items {
			out.items[i] = append(json.RawMessage(nil), item...)
		}
	}
	if v.raw != nil {
		out.raw = append(json.RawMessage(nil), v.raw...)
	}
	return out
}

// MarshalJSON implements json.Marshaler. Non-finite numbers encode as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if !v.IsFinite() {
			return []byte("null"), nil
		}
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindList:
		if len(v.items) == 0 {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	case KindObject:
		return v.raw, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*v = Null()
		return nil
	}
	switch data[0] {
	case 'n':
		*v = Null()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*v = List(items...)
	case '{':
		if !json.Valid(data) {
			return fmt.Errorf("invalid object value")
		}
		*v = Value{kind: KindObject, raw: append(json.RawMessage(nil), data...)}
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", data, err)
		}
		*v = Number(f)
	}
	return nil
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// itemString extracts a display string from a raw list item. File references
// and options expose fieldValue or value; scalars render as themselves.
func itemString(raw json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"fieldValue", "value"} {
			if inner, ok := obj[key]; ok {
				return itemString(inner)
			}
		}
		return string(raw)
	}
	var item Value
	if err := item.UnmarshalJSON(raw); err != nil {
		return string(raw)
	}
	if item.kind == KindNull {
		return ""
	}
	return item.String()
}

// FirstItem returns the first list item as a Value, or null for an empty list.
func (v Value) FirstItem() Value {
	if v.kind != KindList || len(v.items) == 0 {
		return Null()
	}
	return String(itemString(v.items[0]))
}
