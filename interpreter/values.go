package interpreter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatMessage/ChatContent variable values travel as generic maps shaped
// like the built-in domain types. These helpers build and unpack
// that shape without a parallel struct hierarchy.

// chatMessage builds a ChatMessage-shaped value with one text block.
func chatMessage(role, text string) map[string]any {
	return map[string]any{
		"role": role,
		"blocks": []any{
			map[string]any{"type": "text", "content": text},
		},
	}
}

// chatText extracts the concatenated text blocks of a ChatMessage-shaped
// value. Plain strings pass through. Reports false when v carries no
// extractable text.
func chatText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any:
		blocks, ok := t["blocks"].([]any)
		if !ok {
			return "", false
		}
		var parts []string
		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := bm["type"].(string); kind != "" && kind != "text" {
				continue
			}
			if content, ok := bm["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	}
	return "", false
}

// chatRole reads the role of a ChatMessage-shaped value, defaulting to
// "user".
func chatRole(v any) string {
	if m, ok := v.(map[string]any); ok {
		if r, ok := m["role"].(string); ok && r != "" {
			return r
		}
	}
	return "user"
}

// stringify renders any variable value as text for template substitution
// and prompt assembly. Structured values render as compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// asList coerces a list-typed variable value to a []any.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

// asFloatSlice coerces a vector-shaped value ([]float64 or []any of
// numbers) into []float64.
func asFloatSlice(v any) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return t, true
	case []any:
		out := make([]float64, len(t))
		for i, e := range t {
			switch n := e.(type) {
			case float64:
				out[i] = n
			case int:
				out[i] = float64(n)
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

// approxTokens is the token accounting used for memory eviction when a
// provider reports no usage: whitespace-separated words.
func approxTokens(s string) int {
	return len(strings.Fields(s))
}
