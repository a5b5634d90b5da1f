package schemasubset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptsConformingPayload(t *testing.T) {
	schema := Schema{
		"type":     "object",
		"required": []interface{}{"name"},
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "minLength": 1},
			"age":  map[string]interface{}{"type": "integer", "minimum": 0},
		},
		"additionalProperties": false,
	}
	errors := Validate(schema, map[string]interface{}{"name": "a", "age": 1})
	require.Empty(t, errors)
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	schema := Schema{"type": "object", "required": []interface{}{"name"}}
	errors := ValidateSorted(schema, map[string]interface{}{})
	require.Equal(t, []string{"$.name:missing_required"}, errors)
}

func TestValidate_RejectsAdditionalProperty(t *testing.T) {
	schema := Schema{
		"type":                 "object",
		"properties":           map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
		"additionalProperties": false,
	}
	errors := ValidateSorted(schema, map[string]interface{}{"a": "x", "b": "y"})
	require.Equal(t, []string{"$.b:additional_property"}, errors)
}

func TestValidate_EnumAndConst(t *testing.T) {
	schema := Schema{"type": "string", "const": "fixed"}
	require.NotEmpty(t, Validate(schema, "other"))
	require.Empty(t, Validate(schema, "fixed"))

	enumSchema := Schema{"type": "string", "enum": []interface{}{"a", "b"}}
	require.NotEmpty(t, Validate(enumSchema, "c"))
	require.Empty(t, Validate(enumSchema, "a"))
}

func TestValidate_PatternAndMinLength(t *testing.T) {
	schema := Schema{"type": "string", "pattern": "^[a-z]+$", "minLength": 3}
	require.NotEmpty(t, Validate(schema, "AB"))
	require.NotEmpty(t, Validate(schema, "ab"))
	require.Empty(t, Validate(schema, "abc"))
}

func TestValidate_ArrayMinItemsAndItems(t *testing.T) {
	schema := Schema{
		"type":     "array",
		"minItems": 1,
		"items":    map[string]interface{}{"type": "integer"},
	}
	require.NotEmpty(t, Validate(schema, []interface{}{}))
	require.NotEmpty(t, Validate(schema, []interface{}{"not-an-int"}))
	require.Empty(t, Validate(schema, []interface{}{1, 2}))
}

func TestValidate_NestedObjectErrorsCarryPath(t *testing.T) {
	schema := Schema{
		"type": "object",
		"properties": map[string]interface{}{
			"inner": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"id"},
			},
		},
	}
	errors := ValidateSorted(schema, map[string]interface{}{"inner": map[string]interface{}{}})
	require.Equal(t, []string{"$.inner.id:missing_required"}, errors)
}
