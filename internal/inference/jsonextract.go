package inference

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSONObject is returned when no JSON object can be recovered from
// model output.
var ErrNoJSONObject = errors.New("no JSON object found")

// ExtractFirstJSONObject recovers the first JSON object from model output.
// Models sometimes wrap JSON in prose or code fences; this tries direct
// parsing, then fence stripping, then a balanced-brace scan.
func ExtractFirstJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoJSONObject
	}

	// Fast path: the whole string is the object.
	if obj, ok := tryParseObject(text); ok {
		return obj, nil
	}

	// Markdown fences.
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			inner := strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
			if obj, ok := tryParseObject(inner); ok {
				return obj, nil
			}
		}
	}

	// Balanced-brace scan from the first "{", respecting strings/escapes.
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, ErrNoJSONObject
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				if obj, ok := tryParseObject(text[start : i+1]); ok {
					return obj, nil
				}
				return nil, ErrNoJSONObject
			}
		}
	}
	return nil, ErrNoJSONObject
}

func tryParseObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// StringSlice coerces a decoded JSON value into a trimmed []string,
// dropping blanks and non-strings.
func StringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
