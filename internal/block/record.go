package block

import (
	"fmt"
	"unicode/utf8"

	"mentora/memory/internal/schema"
)

// ValidationError reports a value that violates its field spec. It is
// returned before any version is written.
type ValidationError struct {
	Label string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value: block %q field %q: %s", e.Label, e.Field, e.Msg)
}

// Record is one owner's current state for a block: field values in schema
// order, bound to the schema generation it was materialized from.
type Record struct {
	Label      string
	Generation uint64
	Schema     schema.BlockSchema
	values     map[string]Value
}

// Materialize builds the default record for a schema. Records exist
// implicitly with defaults before any write.
func Materialize(b schema.BlockSchema, gen uint64) (Record, error) {
	values := make(map[string]Value, len(b.Fields))
	for _, spec := range b.Fields {
		v, err := DefaultValue(spec)
		if err != nil {
			return Record{}, err
		}
		values[spec.Name] = v
	}
	return Record{Label: b.Label, Generation: gen, Schema: b, values: values}, nil
}

// Get returns a field value; ok is false for names outside the schema.
func (r Record) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Set returns a copy of the record with one field replaced. Unknown fields
// and spec violations fail before any mutation is visible.
func (r Record) Set(name string, v Value) (Record, error) {
	spec, ok := r.Schema.Field(name)
	if !ok {
		return Record{}, &ValidationError{Label: r.Label, Field: name, Msg: "unknown field"}
	}
	if err := checkValue(r.Label, spec, v); err != nil {
		return Record{}, err
	}
	next := r.clone()
	next.values[name] = v
	return next, nil
}

// Validate checks every field against its spec.
func (r Record) Validate() error {
	for _, spec := range r.Schema.Fields {
		v, ok := r.values[spec.Name]
		if !ok {
			return &ValidationError{Label: r.Label, Field: spec.Name, Msg: "missing value"}
		}
		if err := checkValue(r.Label, spec, v); err != nil {
			return err
		}
	}
	return nil
}

func (r Record) clone() Record {
	values := make(map[string]Value, len(r.values))
	for k, v := range r.values {
		values[k] = v
	}
	return Record{Label: r.Label, Generation: r.Generation, Schema: r.Schema, values: values}
}

// Equal reports whether two records carry identical field values.
func (r Record) Equal(other Record) bool {
	if r.Label != other.Label || len(r.values) != len(other.values) {
		return false
	}
	for k, v := range r.values {
		ov, ok := other.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func kindFor(t schema.FieldType) Kind {
	switch t {
	case schema.TypeString:
		return KindString
	case schema.TypeInt:
		return KindInt
	case schema.TypeFloat:
		return KindFloat
	case schema.TypeBool:
		return KindBool
	case schema.TypeList:
		return KindList
	default:
		return KindTimestamp
	}
}

func checkValue(label string, spec schema.FieldSpec, v Value) error {
	if v.Kind() != kindFor(spec.Type) {
		return &ValidationError{Label: label, Field: spec.Name, Msg: fmt.Sprintf("wrong kind for %s field", spec.Type)}
	}
	switch spec.Type {
	case schema.TypeString:
		if spec.Max > 0 && utf8.RuneCountInString(v.Str()) > spec.Max {
			return &ValidationError{Label: label, Field: spec.Name, Msg: fmt.Sprintf("exceeds max length %d", spec.Max)}
		}
		if len(spec.Options) > 0 {
			allowed := false
			for _, opt := range spec.Options {
				if v.Str() == opt {
					allowed = true
					break
				}
			}
			if !allowed {
				return &ValidationError{Label: label, Field: spec.Name, Msg: fmt.Sprintf("%q is not an allowed option", v.Str())}
			}
		}
	case schema.TypeList:
		if spec.Max > 0 && len(v.Items()) > spec.Max {
			return &ValidationError{Label: label, Field: spec.Name, Msg: fmt.Sprintf("exceeds max items %d", spec.Max)}
		}
	case schema.TypeInt:
		if spec.Max > 0 && v.Num() > int64(spec.Max) {
			return &ValidationError{Label: label, Field: spec.Name, Msg: fmt.Sprintf("exceeds max %d", spec.Max)}
		}
	}
	return nil
}
