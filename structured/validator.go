package structured

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brianfields/promptflow/types"
)

// Validate checks raw JSON against the schema. Violations are reported as a
// single VALIDATION error listing every failed path.
func (s *Schema) Validate(raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return types.NewValidationError("response is not valid JSON").WithCause(err)
	}

	var violations []string
	validateValue(s, value, "$", &violations)
	if len(violations) > 0 {
		return types.NewValidationError("response does not match schema: " + strings.Join(violations, "; "))
	}
	return nil
}

// Decode validates raw JSON against the schema and unmarshals it into a T.
func Decode[T any](schema *Schema, raw json.RawMessage) (T, error) {
	var out T
	if err := schema.Validate(raw); err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, types.NewValidationError("response failed to decode").WithCause(err)
	}
	return out, nil
}

// ExtractJSON pulls the first JSON value (object or array) out of model text, tolerating
// markdown code fences and surrounding prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if fenced := stripFence(text); fenced != "" {
		text = fenced
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, types.NewValidationError("no JSON object found in response")
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return nil, types.NewValidationError("failed to parse JSON from response").WithCause(err)
	}
	return value, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return ""
	}
	body := strings.TrimPrefix(text, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func validateValue(schema *Schema, value any, path string, violations *[]string) {
	if schema == nil {
		return
	}

	switch schema.Type {
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected object", path))
			return
		}
		for _, required := range schema.Required {
			if _, present := obj[required]; !present {
				*violations = append(*violations, fmt.Sprintf("%s.%s: required field missing", path, required))
			}
		}
		for name, propSchema := range schema.Properties {
			if propValue, present := obj[name]; present && propValue != nil {
				validateValue(propSchema, propValue, path+"."+name, violations)
			}
		}
	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected array", path))
			return
		}
		for i, item := range arr {
			validateValue(schema.Items, item, fmt.Sprintf("%s[%d]", path, i), violations)
		}
	case TypeString:
		s, ok := value.(string)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected string", path))
			return
		}
		checkEnum(schema, s, path, violations)
	case TypeNumber, TypeInteger:
		n, ok := value.(float64)
		if !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected %s", path, schema.Type))
			return
		}
		if schema.Type == TypeInteger && n != float64(int64(n)) {
			*violations = append(*violations, fmt.Sprintf("%s: expected integer", path))
		}
		if schema.Minimum != nil && n < *schema.Minimum {
			*violations = append(*violations, fmt.Sprintf("%s: below minimum %v", path, *schema.Minimum))
		}
		if schema.Maximum != nil && n > *schema.Maximum {
			*violations = append(*violations, fmt.Sprintf("%s: above maximum %v", path, *schema.Maximum))
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			*violations = append(*violations, fmt.Sprintf("%s: expected boolean", path))
		}
	}
}

func checkEnum(schema *Schema, value any, path string, violations *[]string) {
	if len(schema.Enum) == 0 {
		return
	}
	for _, allowed := range schema.Enum {
		if allowed == value {
			return
		}
	}
	*violations = append(*violations, fmt.Sprintf("%s: value not in enum", path))
}
