// Package schemasubset implements the compact JSON-Schema subset shared by
// every wire contract in the core that needs deterministic, fail-closed
// payload validation without pulling in a full schema engine: federation
// handshake envelopes, evidence bundles, and replay proof bundles all
// validate against schemas expressed in this subset.
//
// The subset covers: type, const, enum, minLength, pattern, minimum,
// required, properties, additionalProperties, minItems, items. Anything
// else in a schema document is ignored rather than rejected, matching the
// "compact subset" contract: these schemas constrain a known shape, they do
// not aspire to full JSON Schema coverage.
package schemasubset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Schema is a JSON-Schema-subset document, typically a Go map literal or a
// map decoded from JSON.
type Schema map[string]interface{}

func isType(value interface{}, expected string) bool {
	switch expected {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		default:
			return false
		}
	default:
		return true
	}
}

func asSchema(v interface{}) (Schema, bool) {
	switch s := v.(type) {
	case Schema:
		return s, true
	case map[string]interface{}:
		return Schema(s), true
	default:
		return nil, false
	}
}

// Validate checks payload against schema and returns every violation found,
// each token shaped "<path>:<reason>" or "<path>.<key>:<reason>". An empty
// result means payload is valid. Validate never stops at the first error: it
// collects every violation in one pass so a caller can report all of them at
// once, and sorts at the call site (ValidateSorted) so output is
// deterministic regardless of map iteration order.
func Validate(schema Schema, payload interface{}) []string {
	return validateAt(schema, payload, "$")
}

func validateAt(schema Schema, payload interface{}, path string) []string {
	var errors []string

	if expected, ok := schema["type"].(string); ok {
		if !isType(payload, expected) {
			return []string{fmt.Sprintf("%s:expected_%s", path, expected)}
		}
	}

	if want, ok := schema["const"]; ok {
		if fmt.Sprintf("%v", payload) != fmt.Sprintf("%v", want) {
			errors = append(errors, path+":const_mismatch")
		}
	}

	if enumRaw, ok := schema["enum"].([]interface{}); ok {
		matched := false
		for _, candidate := range enumRaw {
			if fmt.Sprintf("%v", candidate) == fmt.Sprintf("%v", payload) {
				matched = true
				break
			}
		}
		if !matched {
			errors = append(errors, path+":enum_mismatch")
		}
	}

	if s, ok := payload.(string); ok {
		if minimum, ok := schema["minLength"].(int); ok && len(s) < minimum {
			errors = append(errors, path+":min_length")
		}
		if pattern, ok := schema["pattern"].(string); ok {
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				errors = append(errors, path+":pattern_mismatch")
			}
		}
	}

	if n, ok := toInt(payload); ok {
		if minimum, ok := schema["minimum"].(int); ok && n < minimum {
			errors = append(errors, path+":minimum")
		}
	}

	if obj, ok := payload.(map[string]interface{}); ok {
		if requiredRaw, ok := schema["required"].([]interface{}); ok {
			for _, keyRaw := range requiredRaw {
				key, _ := keyRaw.(string)
				if key == "" {
					continue
				}
				if _, present := obj[key]; !present {
					errors = append(errors, fmt.Sprintf("%s.%s:missing_required", path, key))
				}
			}
		} else if requiredStrs, ok := schema["required"].([]string); ok {
			for _, key := range requiredStrs {
				if _, present := obj[key]; !present {
					errors = append(errors, fmt.Sprintf("%s.%s:missing_required", path, key))
				}
			}
		}

		properties, _ := schema["properties"].(map[string]interface{})
		additional, hasAdditional := schema["additionalProperties"]

		keys := make([]string, 0, len(obj))
		for key := range obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			value := obj[key]
			if propSchemaRaw, ok := properties[key]; ok {
				if propSchema, ok := asSchema(propSchemaRaw); ok {
					errors = append(errors, validateAt(propSchema, value, fmt.Sprintf("%s.%s", path, key))...)
					continue
				}
			}
			if hasAdditional {
				if additional == false {
					errors = append(errors, fmt.Sprintf("%s.%s:additional_property", path, key))
					continue
				}
				if additionalSchema, ok := asSchema(additional); ok {
					errors = append(errors, validateAt(additionalSchema, value, fmt.Sprintf("%s.%s", path, key))...)
				}
			}
		}
	}

	if arr, ok := payload.([]interface{}); ok {
		if minItems, ok := schema["minItems"].(int); ok && len(arr) < minItems {
			errors = append(errors, path+":min_items")
		}
		if itemSchemaRaw, ok := schema["items"]; ok {
			if itemSchema, ok := asSchema(itemSchemaRaw); ok {
				for idx, item := range arr {
					errors = append(errors, validateAt(itemSchema, item, fmt.Sprintf("%s[%d]", path, idx))...)
				}
			}
		}
	}

	return errors
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// ValidateSorted is Validate with its result sorted, matching the "sorted
// error tokens" determinism contract every schema-subset consumer relies on.
func ValidateSorted(schema Schema, payload interface{}) []string {
	errors := Validate(schema, payload)
	sort.Strings(errors)
	return errors
}
