package structured

import (
	"fmt"
	"reflect"
	"strings"
)

// SchemaOf generates a Schema from the Go type T. Struct fields use their
// json tags for property names; fields tagged `jsonschema:"required"` are
// marked required, and `jsonschema:"description=..."` sets a description.
// Fields without an omitempty json option are required by default.
func SchemaOf[T any]() (*Schema, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return nil, fmt.Errorf("cannot generate schema for interface type")
	}
	schema, err := generate(t, map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	schema.Name = strings.ToLower(t.Name())
	return schema, nil
}

// MustSchemaOf is SchemaOf that panics on error, for package-level schema
// declarations.
func MustSchemaOf[T any]() *Schema {
	s, err := SchemaOf[T]()
	if err != nil {
		panic(err)
	}
	return s
}

func generate(t reflect.Type, visited map[reflect.Type]bool) (*Schema, error) {
	if t.Kind() == reflect.Ptr {
		return generate(t.Elem(), visited)
	}
	if visited[t] {
		// Recursive types degrade to an unconstrained object.
		return &Schema{Type: TypeObject}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: TypeString}, nil
	case reflect.Bool:
		return &Schema{Type: TypeBoolean}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: TypeInteger}, nil
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: TypeNumber}, nil
	case reflect.Slice, reflect.Array:
		items, err := generate(t.Elem(), visited)
		if err != nil {
			return nil, err
		}
		return &Schema{Type: TypeArray, Items: items}, nil
	case reflect.Map:
		// Ensure the value type is expressible even though the subset
		// serializes maps as permissive objects.
		if _, err := generate(t.Elem(), visited); err != nil {
			return nil, err
		}
		allowed := true
		return &Schema{Type: TypeObject, Properties: map[string]*Schema{}, AdditionalProperties: &allowed}, nil
	case reflect.Struct:
		return generateStruct(t, visited)
	case reflect.Interface:
		return &Schema{}, nil
	default:
		return nil, fmt.Errorf("unsupported type for schema generation: %s", t.Kind())
	}
}

func generateStruct(t reflect.Type, visited map[reflect.Type]bool) (*Schema, error) {
	visited[t] = true
	defer delete(visited, t)

	schema := NewObjectSchema()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omitempty := jsonFieldName(field)
		if name == "-" {
			continue
		}

		fieldSchema, err := generate(field.Type, visited)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}

		tag := field.Tag.Get("jsonschema")
		required := !omitempty
		for _, part := range strings.Split(tag, ",") {
			part = strings.TrimSpace(part)
			switch {
			case part == "required":
				required = true
			case strings.HasPrefix(part, "description="):
				fieldSchema.Description = strings.TrimPrefix(part, "description=")
			case strings.HasPrefix(part, "enum="):
				for _, v := range strings.Split(strings.TrimPrefix(part, "enum="), "|") {
					fieldSchema.Enum = append(fieldSchema.Enum, v)
				}
			}
		}

		if required {
			schema.Required = append(schema.Required, name)
		}
		schema.Properties[name] = fieldSchema
	}
	return schema, nil
}

func jsonFieldName(field reflect.StructField) (name string, omitempty bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}
