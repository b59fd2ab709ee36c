package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// eachMember walks a JSON object's members in document order.
// Go maps lose insertion order; rule and group order drive evaluation order.
func eachMember(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("member %q: %w", key, err)
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// eachMemberIndexFirst walks a JSON object's members the way a JavaScript
// object enumerates them: array-index keys in ascending numeric order,
// then every other key in document order.
func eachMemberIndexFirst(data []byte, fn func(key string, raw json.RawMessage) error) error {
	type member struct {
		key string
		raw json.RawMessage
		idx uint64
	}
	var indexed, named []member
	err := eachMember(data, func(key string, raw json.RawMessage) error {
		if n, ok := arrayIndex(key); ok {
			indexed = append(indexed, member{key: key, raw: raw, idx: n})
		} else {
			named = append(named, member{key: key, raw: raw})
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.SliceStable(indexed, func(i, j int) bool { return indexed[i].idx < indexed[j].idx })
	for _, m := range append(indexed, named...) {
		if err := fn(m.key, m.raw); err != nil {
			return err
		}
	}
	return nil
}

// arrayIndex reports whether key is a canonical array index: decimal digits
// with no leading zero, below 2^32-1.
func arrayIndex(key string) (uint64, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil || n >= math.MaxUint32 {
		return 0, false
	}
	return n, true
}

// orderedObject writes members in the order given.
type orderedObject struct {
	buf   bytes.Buffer
	count int
}

func (o *orderedObject) add(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("member %q: %w", key, err)
	}
	quoted, err := json.Marshal(key)
	if err != nil {
		return err
	}
	if o.count == 0 {
		o.buf.WriteByte('{')
	} else {
		o.buf.WriteByte(',')
	}
	o.buf.Write(quoted)
	o.buf.WriteByte(':')
	o.buf.Write(raw)
	o.count++
	return nil
}

func (o *orderedObject) encode() []byte {
	if o.count == 0 {
		return []byte("{}")
	}
	o.buf.WriteByte('}')
	return o.buf.Bytes()
}
