package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// ValueKind discriminates the canonical field value representations.
type ValueKind string

const (
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindTimestamp ValueKind = "timestamp"
	KindNull      ValueKind = "null"
)

// ParseKind converts a schema string into a ValueKind.
func ParseKind(s string) (ValueKind, error) {
	switch ValueKind(s) {
	case KindString, KindNumber, KindTimestamp, KindNull:
		return ValueKind(s), nil
	}
	return "", eris.Errorf("unknown value kind %q", s)
}

// Value is the tagged union carried by record fields: string, number,
// timestamp, or null. Exactly one payload member is meaningful, selected by
// Kind. Keeping the set closed keeps merge comparisons well-defined.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Time time.Time
}

// StringValue returns a string-kinded Value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// NumberValue returns a number-kinded Value.
func NumberValue(n float64) Value {
	return Value{Kind: KindNumber, Num: n}
}

// TimestampValue returns a timestamp-kinded Value normalized to UTC.
func TimestampValue(t time.Time) Value {
	return Value{Kind: KindTimestamp, Time: t.UTC()}
}

// NullValue returns the explicit null Value.
func NullValue() Value {
	return Value{Kind: KindNull}
}

// IsNull reports whether the value is the explicit null.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Equal reports whether two values have the same kind and payload.
// Timestamps compare by instant, not by location.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindTimestamp:
		return v.Time.Equal(o.Time)
	case KindNull:
		return true
	}
	return false
}

// Canon renders the canonical text form used for natural keys and conflict
// audit output. Identical values always share a canonical form regardless of
// which source produced them.
func (v Value) Canon() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindTimestamp:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case KindNull:
		return ""
	}
	return ""
}

// MarshalJSON writes the native JSON form: strings and numbers as-is,
// timestamps as RFC 3339 UTC strings, null as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindTimestamp:
		return json.Marshal(v.Time.UTC().Format(time.RFC3339Nano))
	case KindNull:
		return []byte("null"), nil
	}
	return nil, eris.Errorf("value: cannot marshal kind %q", v.Kind)
}

// UnmarshalJSON restores a Value from its native JSON form. Strings that
// parse as RFC 3339 come back as timestamps so stored documents round-trip.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "value: unmarshal")
	}
	*v = FromAny(raw)
	return nil
}

// FromAny coerces a loosely typed input (JSON decode output, SQL column
// value) into a Value, inferring the kind. Schema-declared kinds take
// precedence over inference; see schema.Coerce.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return NullValue()
	case Value:
		return x
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return TimestampValue(t)
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return TimestampValue(t)
		}
		return StringValue(x)
	case []byte:
		return FromAny(string(x))
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case uint64:
		return NumberValue(float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return NumberValue(f)
		}
		return StringValue(x.String())
	case bool:
		// The canonical union has no boolean kind; loose inputs flatten to text.
		return StringValue(strconv.FormatBool(x))
	case time.Time:
		return TimestampValue(x)
	}
	return StringValue(fmt.Sprintf("%v", raw))
}
