package llm

import (
	"encoding/json"
	"fmt"
)

// ValidateSchema checks raw against the subset of JSON Schema the playtest
// core relies on: the value must be an object, every property listed under
// "required" must be present, and present properties must match their declared
// primitive "type". Nested object schemas are checked one level deep via the
// same rules.
//
// Returns an error wrapping [ErrSchemaViolation] on any mismatch. Backends
// call this before handing structured output back to the invocation layer so
// that malformed model output surfaces as a retryable failure.
func ValidateSchema(raw json.RawMessage, schema map[string]any) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: not a JSON object: %v", ErrSchemaViolation, err)
	}

	required, _ := schema["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := obj[name]; !present {
			return fmt.Errorf("%w: missing required property %q", ErrSchemaViolation, name)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, rawSpec := range props {
		spec, ok := rawSpec.(map[string]any)
		if !ok {
			continue
		}
		val, present := obj[name]
		if !present || val == nil {
			continue
		}
		if err := checkType(name, val, spec); err != nil {
			return err
		}
	}
	return nil
}

// checkType verifies a single property value against its schema entry.
func checkType(name string, val any, spec map[string]any) error {
	want, _ := spec["type"].(string)
	switch want {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("%w: property %q is not a string", ErrSchemaViolation, name)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("%w: property %q is not a boolean", ErrSchemaViolation, name)
		}
	case "number", "integer":
		if _, ok := val.(float64); !ok {
			return fmt.Errorf("%w: property %q is not a number", ErrSchemaViolation, name)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("%w: property %q is not an array", ErrSchemaViolation, name)
		}
	case "object":
		inner, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: property %q is not an object", ErrSchemaViolation, name)
		}
		innerRaw, err := json.Marshal(inner)
		if err != nil {
			return fmt.Errorf("%w: property %q: %v", ErrSchemaViolation, name, err)
		}
		return ValidateSchema(innerRaw, spec)
	}
	return nil
}
