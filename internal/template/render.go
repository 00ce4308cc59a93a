// Package template substitutes {{name}} placeholders in todo descriptions and
// parameters.
package template

import (
	"regexp"
)

// variablePattern matches {{name}} placeholders. Names may contain the
// characters used in todo ids.
var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.-]*)\s*\}\}`)

// Render substitutes {{name}} placeholders in text with values from vars.
// Unknown names are left as-is.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := variablePattern.FindStringSubmatch(match)
		if value, ok := vars[sub[1]]; ok {
			return value
		}
		return match
	})
}

// RenderParams returns a copy of params with every string value rendered,
// including strings inside nested maps and slices. params is not modified.
func RenderParams(params map[string]any, vars map[string]string) map[string]any {
	if params == nil || len(vars) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, vars)
	}
	return out
}

func renderValue(v any, vars map[string]string) any {
	switch x := v.(type) {
	case string:
		return Render(x, vars)
	case map[string]any:
		return RenderParams(x, vars)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = renderValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// References returns the distinct placeholder names in text in order of
// first appearance.
func References(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Merge merges builtins with overrides. Overrides win on name collision.
func Merge(builtins, overrides map[string]string) map[string]string {
	if len(builtins) == 0 && len(overrides) == 0 {
		return nil
	}

	result := make(map[string]string, len(builtins)+len(overrides))
	for k, v := range builtins {
		result[k] = v
	}
	for k, v := range overrides {
		result[k] = v
	}
	return result
}
