package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// setMarshalKey tags a Set's JSON representation so it round-trips
// distinctly from a Map or Seq.
const setMarshalKey = "$set"

// MarshalJSON renders v as JSON. Sets are encoded as {"$set": [...]}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindSeq:
		buf := bytes.NewBufferString("[")
		for i, e := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		buf := bytes.NewBufferString("{")
		for i, k := range v.m.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			val, _ := v.m.Get(k)
			b, err := val.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case KindSet:
		elems := v.set.Elements()
		inner, err := Seq(elems...).MarshalJSON()
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf(`{%q:%s}`, setMarshalKey, inner)), nil
	default:
		return nil, fmt.Errorf("value: unknown kind %v", v.kind)
	}
}

// UnmarshalJSON parses JSON into v. JSON numbers without a fractional part
// or exponent become Int; all others become Float.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("value: unmarshal: %w", err)
	}
	out, err := fromRaw(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func fromRaw(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: invalid number %q: %w", t, err)
		}
		return Float(f), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			cv, err := fromRaw(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return Seq(items...), nil
	case map[string]interface{}:
		if rawSet, ok := t[setMarshalKey]; ok && len(t) == 1 {
			list, ok := rawSet.([]interface{})
			if !ok {
				return Value{}, fmt.Errorf("value: %s must be an array", setMarshalKey)
			}
			s := NewSet()
			for _, e := range list {
				cv, err := fromRaw(e)
				if err != nil {
					return Value{}, err
				}
				if !cv.IsScalar() {
					return Value{}, fmt.Errorf("value: %s element is not scalar: %s", setMarshalKey, cv.Kind())
				}
				s.Add(cv)
			}
			return FromSet(s), nil
		}
		m := NewMap()
		for k, e := range t {
			cv, err := fromRaw(e)
			if err != nil {
				return Value{}, err
			}
			m.Set(k, cv)
		}
		return FromMap(m), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported JSON type %T", raw)
	}
}
