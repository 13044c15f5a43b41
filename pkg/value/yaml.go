package value

import "fmt"

// ToNative converts v into plain Go types (nil, bool, int64, float64,
// string, []interface{}, map[string]interface{}) suitable for gopkg.in/
// yaml.v3 to marshal directly. Sets round-trip through the same
// {"$set": [...]} convention used by MarshalJSON.
func ToNative(v Value) interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindSeq:
		out := make([]interface{}, len(v.seq))
		for i, e := range v.seq {
			out[i] = ToNative(e)
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, v.m.Len())
		for _, k := range v.m.Keys() {
			val, _ := v.m.Get(k)
			out[k] = ToNative(val)
		}
		return out
	case KindSet:
		elems := v.set.Elements()
		native := make([]interface{}, len(elems))
		for i, e := range elems {
			native[i] = ToNative(e)
		}
		return map[string]interface{}{setMarshalKey: native}
	default:
		return nil
	}
}

// FromNative builds a Value from plain Go types as produced by
// gopkg.in/yaml.v3's generic decode (map[string]interface{}, []interface{},
// bool, string, int, int64, float64). UnmarshalYAML uses it; JSON input,
// including the KV and document stores' records, is decoded by
// UnmarshalJSON instead, and json.Number is not accepted here.
func FromNative(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			cv, err := FromNative(e)
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
				cv, err := FromNative(e)
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
			cv, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			m.Set(k, cv)
		}
		return FromMap(m), nil
	case map[interface{}]interface{}:
		conv := make(map[string]interface{}, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("value: non-string map key %v", k)
			}
			conv[ks] = e
		}
		return FromNative(conv)
	default:
		return Value{}, fmt.Errorf("value: unsupported native type %T", raw)
	}
}

// MarshalYAML implements yaml.Marshaler for gopkg.in/yaml.v3.
func (v Value) MarshalYAML() (interface{}, error) {
	return ToNative(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for gopkg.in/yaml.v3.
func (v *Value) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("value: yaml unmarshal: %w", err)
	}
	out, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}
