package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format used by DATE values.
const DateLayout = "2006-01-02"

// ValueKind tags the variant held by a Value.
type ValueKind string

// Value variants.
const (
	ValueText   ValueKind = "text"
	ValueNumber ValueKind = "number"
	ValueDate   ValueKind = "date"
	ValueBool   ValueKind = "bool"
	ValueOption ValueKind = "option"
)

// Value is a tagged union holding one entry field. The zero Value is absent.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	flag bool
}

// TextValue wraps free text.
func TextValue(s string) Value { return Value{kind: ValueText, str: s} }

// NumberValue wraps a finite number.
func NumberValue(f float64) Value { return Value{kind: ValueNumber, num: f} }

// DateValue wraps the calendar date of t (time of day is dropped).
func DateValue(t time.Time) Value {
	return Value{kind: ValueDate, str: t.Format(DateLayout)}
}

// ParseDateValue parses a YYYY-MM-DD string.
func ParseDateValue(s string) (Value, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Value{}, fmt.Errorf("invalid date %q", s)
	}
	return DateValue(t), nil
}

// BoolValue wraps a checkbox state.
func BoolValue(b bool) Value { return Value{kind: ValueBool, flag: b} }

// OptionValue wraps a dropdown selection.
func OptionValue(s string) Value { return Value{kind: ValueOption, str: s} }

// Kind returns the variant tag, or "" for the zero Value.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether v holds no variant.
func (v Value) IsZero() bool { return v.kind == "" }

// IsEmpty reports whether v counts as missing for mandatory checks: absent, or
// blank text/option. Numbers, dates and booleans are never empty once set.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case "":
		return true
	case ValueText, ValueOption:
		return strings.TrimSpace(v.str) == ""
	case ValueDate:
		return v.str == ""
	}
	return false
}

// Finite reports whether v is anything but a NaN or infinite number.
func (v Value) Finite() bool {
	return v.kind != ValueNumber || !(math.IsNaN(v.num) || math.IsInf(v.num, 0))
}

// Text returns the string held by a text or option value.
func (v Value) Text() (string, bool) {
	if v.kind == ValueText || v.kind == ValueOption {
		return v.str, true
	}
	return "", false
}

// Number returns the number held by a number value.
func (v Value) Number() (float64, bool) {
	if v.kind != ValueNumber {
		return 0, false
	}
	return v.num, true
}

// Date returns the date held by a date value.
func (v Value) Date() (time.Time, bool) {
	if v.kind != ValueDate {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, v.str)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Bool returns the flag held by a bool value.
func (v Value) Bool() (bool, bool) {
	if v.kind != ValueBool {
		return false, false
	}
	return v.flag, true
}

// Accepts reports whether v is the variant a column of type t stores.
func (v Value) Accepts(t ColumnType) bool {
	switch t {
	case ColumnText:
		return v.kind == ValueText
	case ColumnNumber:
		return v.kind == ValueNumber
	case ColumnDate:
		return v.kind == ValueDate
	case ColumnDropdown:
		return v.kind == ValueOption
	case ColumnBoolean:
		return v.kind == ValueBool
	}
	return false
}

// String renders the value the way reports display it.
func (v Value) String() string {
	switch v.kind {
	case ValueText, ValueOption, ValueDate:
		return v.str
	case ValueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.flag)
	}
	return ""
}

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool { return v == o }

type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind":...,"value":...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == "" {
		return []byte("null"), nil
	}
	var payload any
	switch v.kind {
	case ValueText, ValueOption, ValueDate:
		payload = v.str
	case ValueNumber:
		payload = v.num
	case ValueBool:
		payload = v.flag
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.kind, Value: raw})
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var aux valueJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch aux.Kind {
	case ValueText, ValueOption:
		var s string
		if err := json.Unmarshal(aux.Value, &s); err != nil {
			return fmt.Errorf("decode %s value: %w", aux.Kind, err)
		}
		*v = Value{kind: aux.Kind, str: s}
	case ValueDate:
		var s string
		if err := json.Unmarshal(aux.Value, &s); err != nil {
			return fmt.Errorf("decode date value: %w", err)
		}
		parsed, err := ParseDateValue(s)
		if err != nil {
			return err
		}
		*v = parsed
	case ValueNumber:
		var f float64
		if err := json.Unmarshal(aux.Value, &f); err != nil {
			return fmt.Errorf("decode number value: %w", err)
		}
		*v = NumberValue(f)
	case ValueBool:
		var b bool
		if err := json.Unmarshal(aux.Value, &b); err != nil {
			return fmt.Errorf("decode bool value: %w", err)
		}
		*v = BoolValue(b)
	default:
		return fmt.Errorf("unknown value kind %q", aux.Kind)
	}
	return nil
}

// CoerceValue converts a bare JSON scalar into the variant a column expects.
// Inputs already in tagged form are decoded as-is.
func CoerceValue(t ColumnType, raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Value{}, nil
	}
	if trimmed[0] == '{' {
		var v Value
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return Value{}, err
		}
		return v, nil
	}
	switch t {
	case ColumnText, ColumnDropdown:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, fmt.Errorf("expected string: %w", err)
		}
		if t == ColumnDropdown {
			return OptionValue(s), nil
		}
		return TextValue(s), nil
	case ColumnNumber:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			var s string
			if json.Unmarshal(trimmed, &s) != nil {
				return Value{}, fmt.Errorf("expected number: %w", err)
			}
			if strings.TrimSpace(s) == "" {
				return Value{}, nil
			}
			parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if perr != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
				return Value{}, fmt.Errorf("expected number, got %q", s)
			}
			f = parsed
		}
		return NumberValue(f), nil
	case ColumnDate:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, fmt.Errorf("expected date string: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return Value{}, nil
		}
		return ParseDateValue(s)
	case ColumnBoolean:
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, fmt.Errorf("expected boolean: %w", err)
		}
		return BoolValue(b), nil
	}
	return Value{}, fmt.Errorf("unknown column type %q", t)
}
