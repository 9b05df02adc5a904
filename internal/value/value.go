// Package value implements the tagged Value type shared by properties, expression
// evaluation, and query filtering (spec component A).
package value

import (
	"sort"
	"strconv"
)

// Kind tags a Value with its runtime type. The tag travels with the value everywhere;
// comparison and arithmetic inspect it rather than relying on Go's interface dispatch.
type Kind byte

const (
	KindNull Kind = iota
	KindNumber
	KindText
	KindBoolean
	KindDatetime
	KindDuration
	KindReference
	KindList
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBoolean:
		return "boolean"
	case KindDatetime:
		return "datetime"
	case KindDuration:
		return "duration"
	case KindReference:
		return "reference"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Value is a tagged sum: number(f64), text(string), boolean(bool), datetime(ISO-8601),
// duration(ISO-8601 duration), reference(entity id), list(elements), record(fields).
// Null is the absence of a value and is distinct from any tagged value.
type Value struct {
	kind   Kind
	num    float64
	str    string
	b      bool
	elemK  Kind
	list   []Value
	record map[string]Value
}

// Null is the absent value.
var Null = Value{kind: KindNull}

func Number(n float64) Value    { return Value{kind: KindNumber, num: n} }
func Text(s string) Value       { return Value{kind: KindText, str: s} }
func Boolean(b bool) Value      { return Value{kind: KindBoolean, b: b} }
func Datetime(iso string) Value { return Value{kind: KindDatetime, str: iso} }
func Duration(iso string) Value { return Value{kind: KindDuration, str: iso} }
func Reference(entityID string) Value {
	return Value{kind: KindReference, str: entityID}
}

func List(elemKind Kind, elems []Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindList, elemK: elemKind, list: cp}
}

func Record(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindRecord, record: cp}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) AsText() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.str, true
}

func (v Value) AsBoolean() (bool, bool) {
	if v.kind != KindBoolean {
		return false, false
	}
	return v.b, true
}

func (v Value) AsDatetime() (string, bool) {
	if v.kind != KindDatetime {
		return "", false
	}
	return v.str, true
}

func (v Value) AsDuration() (string, bool) {
	if v.kind != KindDuration {
		return "", false
	}
	return v.str, true
}

func (v Value) AsReference() (string, bool) {
	if v.kind != KindReference {
		return "", false
	}
	return v.str, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) ElementKind() Kind { return v.elemK }

func (v Value) AsRecord() (map[string]Value, bool) {
	if v.kind != KindRecord {
		return nil, false
	}
	return v.record, true
}

// Equals is deep and kind-aware. Two nulls are equal; null compares unequal to any
// tagged value. Lists compare element-wise; records compare by key set and values.
// References compare by entity id only.
func Equals(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindNumber:
		return a.num == b.num
	case KindText, KindDatetime, KindDuration, KindReference:
		return a.str == b.str
	case KindBoolean:
		return a.b == b.b
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equals(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		if len(a.record) != len(b.record) {
			return false
		}
		for k, av := range a.record {
			bv, ok := b.record[k]
			if !ok || !Equals(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders a scalar value as text: the same coercion CONCAT and query
// cursor encoding use. Lists and records render as their kind name rather than
// a structural dump — callers needing structure should use MarshalJSON.
func (v Value) String() string {
	if v.IsNull() {
		return ""
	}
	switch v.kind {
	case KindText, KindDatetime, KindDuration, KindReference:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	default:
		return v.kind.String()
	}
}

// SortedKeys returns a record's keys in deterministic order, used for serialization
// and test fixtures where map iteration order would otherwise be unstable.
func SortedKeys(record map[string]Value) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
