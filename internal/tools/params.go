package tools

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// tagPattern matches one <key>value</key> pair; values may span lines.
var tagPattern = regexp.MustCompile(`(?s)<([A-Za-z_][A-Za-z0-9_]*)>(.*?)</([A-Za-z_][A-Za-z0-9_]*)>`)

// Normalize turns whatever encoding the model produced into Params. Three
// forms arrive in practice: a JSON object (native tool calling), a block of
// <k>v</k> tag pairs, or a bare string, which becomes {"input": raw}.
func Normalize(raw string) Params {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Params{}
	}

	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return Params(obj)
		}
	}

	if params, ok := ParseTagBlock(trimmed); ok {
		return params
	}

	return Params{"input": raw}
}

// ParseTagBlock extracts <k>v</k> pairs, coercing each value. ok is false
// when the text contains no well-formed pair.
func ParseTagBlock(s string) (Params, bool) {
	matches := tagPattern.FindAllStringSubmatch(s, -1)
	params := Params{}
	for _, m := range matches {
		if m[1] != m[3] {
			continue // mismatched close tag
		}
		params[m[1]] = CoerceValue(strings.TrimSpace(m[2]))
	}
	if len(params) == 0 {
		return nil, false
	}
	return params, true
}

// CoerceValue tries, in order: JSON array/object, integer, float, boolean,
// else the string itself.
func CoerceValue(s string) any {
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
