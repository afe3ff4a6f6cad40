package flow

import (
	"encoding/json"
	"regexp"

	"github.com/brianfields/promptflow/types"
)

// templatePattern matches {{ name }} placeholders. The template language is
// exactly this substitution: no control flow, no partials, no escaping.
var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// RenderTemplate substitutes {{ name }} placeholders from inputs. String
// values substitute verbatim; other values are JSON-encoded. A reference to
// an unbound variable is a VALIDATION error.
func RenderTemplate(template string, inputs map[string]any) (string, error) {
	var missing string
	rendered := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		name := templatePattern.FindStringSubmatch(match)[1]
		value, ok := inputs[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		if s, ok := value.(string); ok {
			return s
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return match
		}
		return string(encoded)
	})
	if missing != "" {
		return "", types.NewValidationError("prompt template references unbound variable: " + missing)
	}
	return rendered, nil
}
