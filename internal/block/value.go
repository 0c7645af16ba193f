// Package block holds the typed record model: a schema-bound field map with
// a tagged-union value type instead of per-schema generated structs.
package block

import (
	"encoding/json"
	"fmt"
	"time"

	"mentora/memory/internal/schema"
)

// Kind mirrors schema.FieldType for materialized values.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindList
	KindTimestamp
)

// Value is a single field value. Exactly one member is meaningful, selected
// by Kind.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	bl   bool
	list []string
	ts   time.Time
}

func String(s string) Value        { return Value{kind: KindString, str: s} }
func Int(n int64) Value            { return Value{kind: KindInt, num: n} }
func Float(f float64) Value        { return Value{kind: KindFloat, flt: f} }
func Bool(b bool) Value            { return Value{kind: KindBool, bl: b} }
func List(items []string) Value    { return Value{kind: KindList, list: append([]string(nil), items...)} }
func Timestamp(t time.Time) Value  { return Value{kind: KindTimestamp, ts: t.UTC()} }

func (v Value) Kind() Kind         { return v.kind }
func (v Value) Str() string        { return v.str }
func (v Value) Num() int64         { return v.num }
func (v Value) Flt() float64       { return v.flt }
func (v Value) Bool() bool         { return v.bl }
func (v Value) Time() time.Time    { return v.ts }

func (v Value) Items() []string {
	return append([]string(nil), v.list...)
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindInt:
		return v.num == other.num
	case KindFloat:
		return v.flt == other.flt
	case KindBool:
		return v.bl == other.bl
	case KindTimestamp:
		return v.ts.Equal(other.ts)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != other.list[i] {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the bare value (no kind tag); the schema carries the
// type, so the wire form stays compact.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return json.Marshal(v.num)
	case KindFloat:
		return json.Marshal(v.flt)
	case KindBool:
		return json.Marshal(v.bl)
	case KindList:
		items := v.list
		if items == nil {
			items = []string{}
		}
		return json.Marshal(items)
	case KindTimestamp:
		return json.Marshal(v.ts.UTC().Format(time.RFC3339Nano))
	}
	return nil, fmt.Errorf("marshal value: unknown kind %d", v.kind)
}

// ParseValue decodes raw JSON into a Value of the kind the field spec
// demands.
func ParseValue(spec schema.FieldSpec, raw json.RawMessage) (Value, error) {
	switch spec.Type {
	case schema.TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		return String(s), nil
	case schema.TypeInt:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		return Int(n), nil
	case schema.TypeFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		return Float(f), nil
	case schema.TypeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		return Bool(b), nil
	case schema.TypeList:
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		return List(items), nil
	case schema.TypeTimestamp:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		if s == "" {
			return Timestamp(time.Time{}), nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		return Timestamp(t), nil
	}
	return Value{}, fmt.Errorf("field %s: unknown type %q", spec.Name, spec.Type)
}

// DefaultValue materializes the default for a field spec: the declared
// default if present, otherwise the zero value of the kind.
func DefaultValue(spec schema.FieldSpec) (Value, error) {
	if len(spec.Default) > 0 {
		return ParseValue(spec, spec.Default)
	}
	switch spec.Type {
	case schema.TypeString:
		return String(""), nil
	case schema.TypeInt:
		return Int(0), nil
	case schema.TypeFloat:
		return Float(0), nil
	case schema.TypeBool:
		return Bool(false), nil
	case schema.TypeList:
		return List(nil), nil
	case schema.TypeTimestamp:
		return Timestamp(time.Time{}), nil
	}
	return Value{}, fmt.Errorf("field %s: unknown type %q", spec.Name, spec.Type)
}
