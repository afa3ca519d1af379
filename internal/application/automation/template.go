package automation

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Interpolate substitutes {{key}} placeholders with the string form of the
// trigger payload's values, recursing through maps and slices. Unknown keys
// are left as-is so a typo is visible in the output instead of silently
// vanishing.
func Interpolate(value any, payload map[string]any) any {
	switch v := value.(type) {
	case string:
		return interpolateString(v, payload)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Interpolate(item, payload)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Interpolate(item, payload)
		}
		return out
	default:
		return v
	}
}

// InterpolateMap applies Interpolate to every value of a template map.
func InterpolateMap(template, payload map[string]any) map[string]any {
	if template == nil {
		return nil
	}
	out := make(map[string]any, len(template))
	for k, v := range template {
		out[k] = Interpolate(v, payload)
	}
	return out
}

func interpolateString(s string, payload map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := payload[key]
		if !ok {
			return m
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; print integers without the
		// trailing .0.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return strings.TrimRight(fmt.Sprintf("%f", t), "0")
	default:
		return fmt.Sprintf("%v", t)
	}
}
