package value

import "encoding/json"

// wireValue is the JSON wire shape for a Value, shared by storage's JSON
// columns and the HTTP API's request/response bodies.
type wireValue struct {
	Kind        string          `json:"kind"`
	Value       json.RawMessage `json:"value,omitempty"`
	ElementKind string          `json:"element_kind,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	switch v.kind {
	case KindNull:
		return json.Marshal(w)
	case KindNumber:
		b, err := json.Marshal(v.num)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case KindText, KindDatetime, KindDuration, KindReference:
		b, err := json.Marshal(v.str)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case KindBoolean:
		b, err := json.Marshal(v.b)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case KindList:
		b, err := json.Marshal(v.list)
		if err != nil {
			return nil, err
		}
		w.Value = b
		w.ElementKind = v.elemK.String()
	case KindRecord:
		b, err := json.Marshal(v.record)
		if err != nil {
			return nil, err
		}
		w.Value = b
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "", "null":
		*v = Null
		return nil
	case "number":
		var n float64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return err
		}
		*v = Number(n)
	case "text":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = Text(s)
	case "boolean":
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return err
		}
		*v = Boolean(b)
	case "datetime":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = Datetime(s)
	case "duration":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = Duration(s)
	case "reference":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = Reference(s)
	case "list":
		var elems []Value
		if err := json.Unmarshal(w.Value, &elems); err != nil {
			return err
		}
		ek := kindFromString(w.ElementKind)
		*v = List(ek, elems)
	case "record":
		var rec map[string]Value
		if err := json.Unmarshal(w.Value, &rec); err != nil {
			return err
		}
		*v = Record(rec)
	default:
		*v = Null
	}
	return nil
}

func kindFromString(s string) Kind {
	switch s {
	case "number":
		return KindNumber
	case "text":
		return KindText
	case "boolean":
		return KindBoolean
	case "datetime":
		return KindDatetime
	case "duration":
		return KindDuration
	case "reference":
		return KindReference
	case "list":
		return KindList
	case "record":
		return KindRecord
	default:
		return KindNull
	}
}
