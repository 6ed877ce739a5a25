package server

import (
	"reflect"
	"strings"

	"github.com/richinex/berry-mcp/protocol"
)

// SchemaFromStruct derives a tool input schema from a struct's fields. Field
// names come from json tags, descriptions from description tags, allowed
// values from enum tags. Non-pointer fields are required; pointer fields are
// optional. Tools declare their arguments as a struct, generate the schema
// here, and decode inbound maps with DecodeArguments.
func SchemaFromStruct(v interface{}) protocol.ToolInputSchema {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	props := make(map[string]protocol.PropertyDetail)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := strings.Split(jsonTag, ",")[0]
		if name == "" {
			name = strings.ToLower(field.Name)
		}

		fieldType := field.Type
		optional := fieldType.Kind() == reflect.Ptr
		if optional {
			fieldType = fieldType.Elem()
		} else {
			required = append(required, name)
		}

		detail := protocol.PropertyDetail{
			Type:        schemaType(fieldType.Kind()),
			Description: field.Tag.Get("description"),
		}
		if enumTag := field.Tag.Get("enum"); enumTag != "" {
			for _, value := range strings.Split(enumTag, ",") {
				detail.Enum = append(detail.Enum, strings.TrimSpace(value))
			}
		}
		props[name] = detail
	}

	return protocol.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// schemaType maps a Go kind onto its JSON Schema type name.
func schemaType(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}
