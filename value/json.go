package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	storeerrors "github.com/gozephyr/prefcache/errors"
)

// AppendJSON appends the canonical JSON text of v to buf.
func AppendJSON(buf []byte, v Value) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return buf, err
	}
	return appendJSON(buf, v)
}

func appendJSON(buf []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return append(buf, "null"...), nil
	case KindBool:
		return strconv.AppendBool(buf, v.b), nil
	case KindNumber:
		return strconv.AppendFloat(buf, v.n, 'g', -1, 64), nil
	case KindString:
		return appendString(buf, v.s)
	case KindList:
		buf = append(buf, '[')
		for i, item := range v.list {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			if buf, err = appendJSON(buf, item); err != nil {
				return buf, err
			}
		}
		return append(buf, ']'), nil
	case KindMap:
		buf = append(buf, '{')
		var err error
		first := true
		v.m.Range(func(k string, item Value) bool {
			if !first {
				buf = append(buf, ',')
			}
			first = false
			if buf, err = appendString(buf, k); err != nil {
				return false
			}
			buf = append(buf, ':')
			buf, err = appendJSON(buf, item)
			return err == nil
		})
		if err != nil {
			return buf, err
		}
		return append(buf, '}'), nil
	default:
		return buf, fmt.Errorf("%w: unknown kind %d", storeerrors.ErrSerialization, v.kind)
	}
}

func appendString(buf []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return buf, fmt.Errorf("%w: string is not valid UTF-8", storeerrors.ErrSerialization)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return buf, fmt.Errorf("%w: %v", storeerrors.ErrSerialization, err)
	}
	return append(buf, quoted...), nil
}

// ParseJSON parses JSON text into a Value, keeping object member order.
func ParseJSON(text string) (Value, error) {
	if !gjson.Valid(text) {
		return Value{}, fmt.Errorf("invalid JSON")
	}
	return fromResult(gjson.Parse(text))
}

func fromResult(r gjson.Result) (Value, error) {
	switch r.Type {
	case gjson.Null:
		return Null(), nil
	case gjson.False:
		return Bool(false), nil
	case gjson.True:
		return Bool(true), nil
	case gjson.Number:
		n, err := strconv.ParseFloat(r.Raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", r.Raw, err)
		}
		return Number(n), nil
	case gjson.String:
		return String(r.Str), nil
	case gjson.JSON:
		var err error
		if r.IsArray() {
			items := []Value{}
			r.ForEach(func(_, item gjson.Result) bool {
				var v Value
				if v, err = fromResult(item); err != nil {
					return false
				}
				items = append(items, v)
				return true
			})
			if err != nil {
				return Value{}, err
			}
			return List(items...), nil
		}
		m := NewMap()
		r.ForEach(func(k, item gjson.Result) bool {
			var v Value
			if v, err = fromResult(item); err != nil {
				return false
			}
			m.Set(k.String(), v)
			return true
		})
		if err != nil {
			return Value{}, err
		}
		return Object(m), nil
	default:
		return Value{}, fmt.Errorf("unexpected JSON token %q", r.Raw)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return AppendJSON(nil, v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
