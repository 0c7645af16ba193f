// Package schema loads and validates the declarative block-schema config.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// FieldType enumerates the value kinds a block field may hold.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeList      FieldType = "list"
	TypeTimestamp FieldType = "timestamp"
)

func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeTimestamp:
		return true
	}
	return false
}

// FieldSpec describes one field of a block. Specs are immutable after load.
type FieldSpec struct {
	Name        string          `json:"name"`
	Type        FieldType       `json:"type"`
	Default     json.RawMessage `json:"default,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Max         int             `json:"max,omitempty"`
	Description string          `json:"description,omitempty"`
}

// BlockSchema is one named block definition: an ordered field list plus the
// shared flag. Instances are immutable per load generation.
type BlockSchema struct {
	Label  string      `json:"label"`
	Shared bool        `json:"shared"`
	Fields []FieldSpec `json:"fields"`
}

// Field returns the spec for name, or false when the block has no such field.
func (b BlockSchema) Field(name string) (FieldSpec, bool) {
	for _, f := range b.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// ConfigError reports an invalid schema config. Load fails fast with it
// before any traffic is served.
type ConfigError struct {
	Label string
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Label != "" && e.Field != "":
		return fmt.Sprintf("schema config: block %q field %q: %s", e.Label, e.Field, e.Msg)
	case e.Label != "":
		return fmt.Sprintf("schema config: block %q: %s", e.Label, e.Msg)
	}
	return fmt.Sprintf("schema config: %s", e.Msg)
}

type configFile struct {
	Blocks []BlockSchema `json:"blocks"`
}

// metaSchema structurally validates the config before semantic checks run.
const metaSchema = `{
	"type": "object",
	"required": ["blocks"],
	"properties": {
		"blocks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["label", "fields"],
				"properties": {
					"label": {"type": "string", "minLength": 1},
					"shared": {"type": "boolean"},
					"fields": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["name", "type"],
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"type": {"type": "string"},
								"options": {"type": "array", "items": {"type": "string"}},
								"max": {"type": "integer", "minimum": 1},
								"description": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`

var compiledMeta *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile([]byte(metaSchema))
	if err != nil {
		panic(fmt.Sprintf("compile schema meta-schema: %v", err))
	}
	compiledMeta = s
}

// Parse validates raw config bytes and returns the block schemas in file
// order. All failures are *ConfigError.
func Parse(raw []byte) ([]BlockSchema, error) {
	if result := compiledMeta.ValidateJSON(raw); !result.IsValid() {
		return nil, &ConfigError{Msg: fmt.Sprintf("structure invalid: %v", result.Errors)}
	}

	var file configFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("decode: %v", err)}
	}

	seen := make(map[string]struct{}, len(file.Blocks))
	for _, block := range file.Blocks {
		if _, dup := seen[block.Label]; dup {
			return nil, &ConfigError{Label: block.Label, Msg: "duplicate label"}
		}
		seen[block.Label] = struct{}{}
		if err := validateBlock(block); err != nil {
			return nil, err
		}
	}
	return file.Blocks, nil
}

func validateBlock(block BlockSchema) error {
	names := make(map[string]struct{}, len(block.Fields))
	for _, field := range block.Fields {
		if _, dup := names[field.Name]; dup {
			return &ConfigError{Label: block.Label, Field: field.Name, Msg: "duplicate field name"}
		}
		names[field.Name] = struct{}{}

		if !field.Type.Valid() {
			return &ConfigError{Label: block.Label, Field: field.Name, Msg: fmt.Sprintf("unknown type %q", field.Type)}
		}
		if len(field.Options) > 0 && field.Type != TypeString {
			return &ConfigError{Label: block.Label, Field: field.Name, Msg: "options only apply to string fields"}
		}
		if len(field.Default) > 0 {
			if err := checkDefault(field); err != nil {
				return &ConfigError{Label: block.Label, Field: field.Name, Msg: err.Error()}
			}
		}
	}
	return nil
}

func checkDefault(field FieldSpec) error {
	switch field.Type {
	case TypeString, TypeTimestamp:
		var s string
		if err := json.Unmarshal(field.Default, &s); err != nil {
			return fmt.Errorf("default is not a string: %w", err)
		}
	case TypeInt:
		var n int64
		if err := json.Unmarshal(field.Default, &n); err != nil {
			return fmt.Errorf("default is not an integer: %w", err)
		}
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(field.Default, &f); err != nil {
			return fmt.Errorf("default is not a number: %w", err)
		}
	case TypeBool:
		var b bool
		if err := json.Unmarshal(field.Default, &b); err != nil {
			return fmt.Errorf("default is not a boolean: %w", err)
		}
	case TypeList:
		var items []string
		if err := json.Unmarshal(field.Default, &items); err != nil {
			return fmt.Errorf("default is not a string list: %w", err)
		}
	}
	return nil
}
