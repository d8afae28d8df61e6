// internal/domain/value.go
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind is the inferred type of a strategy input parameter.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
)

// Value is a typed strategy parameter value. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// InferKind guesses the type of a raw textual value: booleans first, then
// integers, then floats, otherwise string.
func InferKind(raw string) ValueKind {
	return InferValue(raw).Kind
}

// InferValue parses raw into the narrowest fitting kind.
func InferValue(raw string) Value {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i)
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatValue(f)
	}
	return StringValue(raw)
}

// CoerceValue parses raw as kind. When raw does not fit kind the value is
// inferred instead, so a malformed cell never aborts a report.
func CoerceValue(raw string, kind ValueKind) Value {
	s := strings.TrimSpace(raw)
	switch kind {
	case KindInt:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i)
		}
		// exporters sometimes print integral inputs as "14.0"
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
			return IntValue(int64(f))
		}
	case KindFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return FloatValue(f)
		}
	case KindBool:
		if b, err := strconv.ParseBool(s); err == nil {
			return BoolValue(b)
		}
	case KindString:
		return StringValue(raw)
	}
	return InferValue(raw)
}

// Interface returns the native Go value.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

// String renders the value the way the tester expects it in an INI file.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*v = BoolValue(b[0] == 't')
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		if !bytes.ContainsAny(b, ".eE") {
			if i, err := strconv.ParseInt(string(b), 10, 64); err == nil {
				*v = IntValue(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %s: %w", b, err)
		}
		*v = FloatValue(f)
	default:
		return fmt.Errorf("unsupported parameter value %s", b)
	}
	return nil
}

// Params maps input parameter names to typed values.
type Params map[string]Value

// TypeMap maps input parameter names to their declared kind.
type TypeMap map[string]ValueKind
