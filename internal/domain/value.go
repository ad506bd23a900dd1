package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueKind identifies the scalar type carried by a Value.
type ValueKind uint8

// Supported value kinds.
const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindTime:
		return "timestamp"
	default:
		return "null"
	}
}

// Value is a tagged scalar decoded from a source cell.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
}

// NullValue returns the null value.
func NullValue() Value { return Value{Kind: KindNull} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue wraps a float64.
func NumberValue(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// TimeValue wraps a timestamp, normalised to UTC.
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Interface returns the Go scalar held by v (nil for null).
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time
	default:
		return nil
	}
}

// String renders v the way it would appear in a text cell.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// MarshalJSON encodes v as its bare scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a bare JSON scalar. RFC 3339 strings stay strings;
// callers that need timestamps convert them against a schema.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nv, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

// ValueOf converts a Go scalar into a Value.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return t, nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case float32:
		return NumberValue(float64(t)), nil
	case int:
		return NumberValue(float64(t)), nil
	case int32:
		return NumberValue(float64(t)), nil
	case int64:
		return NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("parse number %q: %w", t, err)
		}
		return NumberValue(f), nil
	case time.Time:
		return TimeValue(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// InferValue interprets a raw text cell. Empty cells are null, numeric and
// boolean literals are typed, everything else stays a string.
func InferValue(cell string) Value {
	s := strings.TrimSpace(cell)
	if s == "" {
		return NullValue()
	}
	switch strings.ToLower(s) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if looksNumeric(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return NumberValue(f)
		}
	}
	return StringValue(cell)
}

// looksNumeric rejects inputs ParseFloat accepts but a spreadsheet user would
// not call numbers ("Inf", "NaN", hex floats, leading zeros like "007").
func looksNumeric(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '-' || r == '+':
			if i != 0 {
				return false
			}
		case r == '.' || r == 'e' || r == 'E':
		default:
			return false
		}
	}
	if digits == 0 {
		return false
	}
	body := strings.TrimLeft(s, "+-")
	if len(body) > 1 && body[0] == '0' && body[1] != '.' {
		return false
	}
	return true
}
