package ironbase

import "fmt"

// FieldType names a JSON type for schema validation purposes.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeArray  FieldType = "array"
	TypeObject FieldType = "object"
	TypeNull   FieldType = "null"
	TypeAny    FieldType = "any"
)

// FieldSchema constrains one field's presence and type.
type FieldSchema struct {
	Required bool      `json:"required"`
	Type     FieldType `json:"type"`
}

// SchemaDoc is a collection's persisted, JSON-shaped schema: a flat map of
// top-level field name to constraint. It is compiled once per collection
// into a CompiledSchema for fast repeated validation.
type SchemaDoc struct {
	Fields map[string]FieldSchema `json:"fields"`
}

// CompiledSchema is the validator derived from a SchemaDoc. Compilation is
// currently a direct copy (there is no expression language to pre-parse),
// but keeping the two types distinct lets insert_one validate against a
// structure that can grow optimizations later without changing the
// persisted on-disk shape.
type CompiledSchema struct {
	fields map[string]FieldSchema
}

// CompileSchema builds a CompiledSchema from a persisted SchemaDoc. A nil
// doc compiles to a nil *CompiledSchema (no validation).
func CompileSchema(doc *SchemaDoc) *CompiledSchema {
	if doc == nil {
		return nil
	}

	return &CompiledSchema{fields: doc.Fields}
}

// Validate checks fields against the compiled schema. Returns ErrSchema on
// the first violation: a missing required field, or a present field whose
// value does not match the declared type.
func (c *CompiledSchema) Validate(fields map[string]any) error {
	if c == nil {
		return nil
	}

	for name, rule := range c.fields {
		v, present := fields[name]

		if !present {
			if rule.Required {
				return fmt.Errorf("%w: missing required field %q", ErrSchema, name)
			}

			continue
		}

		if rule.Type != "" && rule.Type != TypeAny && !matchesType(v, rule.Type) {
			return fmt.Errorf("%w: field %q expected type %s", ErrSchema, name, rule.Type)
		}
	}

	return nil
}

func matchesType(v any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeNull:
		return v == nil
	default:
		return true
	}
}
