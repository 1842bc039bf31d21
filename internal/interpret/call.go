package interpret

import (
	"encoding/json"
	"strings"
)

// decodeBlock turns one JSON candidate into zero or more calls. An
// object yields one call; an array yields one call per call-shaped
// element. Anything else yields nothing.
func decodeBlock(src string) []Call {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(src)), &v); err != nil {
		return nil
	}

	switch t := v.(type) {
	case map[string]any:
		if c, ok := toCall(t); ok {
			return []Call{c}
		}
	case []any:
		var calls []Call
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if c, ok := toCall(m); ok {
				calls = append(calls, c)
			}
		}
		return calls
	}
	return nil
}

// toCall accepts {"function": "name", "arguments": {...}}, the
// {"name": ..., "arguments": ...} variant, and the nested
// {"function": {"name": ..., "arguments": ...}} form.
func toCall(m map[string]any) (Call, bool) {
	var name string
	var rawArgs any

	switch fn := m["function"].(type) {
	case string:
		name = fn
		rawArgs = firstPresent(m, "arguments", "parameters", "args")
	case map[string]any:
		name, _ = fn["name"].(string)
		rawArgs = firstPresent(fn, "arguments", "parameters")
	default:
		name, _ = m["name"].(string)
		rawArgs = firstPresent(m, "arguments", "parameters")
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Call{}, false
	}

	args, ok := toArgs(rawArgs)
	if !ok {
		return Call{}, false
	}
	return Call{Name: name, Arguments: args}, true
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

// toArgs normalises an arguments value to a map. JSON-encoded strings
// are decoded, and a redundant {"arguments": {...}} envelope is removed
// one level.
func toArgs(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, true
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}, true
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, false
		}
		if m == nil {
			m = map[string]any{}
		}
		return unwrapEnvelope(m), true
	case map[string]any:
		return unwrapEnvelope(t), true
	default:
		return nil, false
	}
}

func unwrapEnvelope(m map[string]any) map[string]any {
	if len(m) != 1 {
		return m
	}
	if inner, ok := m["arguments"].(map[string]any); ok {
		return inner
	}
	return m
}
