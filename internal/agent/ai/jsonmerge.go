package ai

import "encoding/json"

// mergeJSONField decodes base as a JSON object, sets key to value, and
// re-encodes it. Used by BuildRequest implementations to layer fields (like
// "stream":true) onto a body produced by an SDK's typed param marshaler.
func mergeJSONField(base []byte, key string, value any) ([]byte, error) {
	var m map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &m); err != nil {
			return nil, err
		}
	} else {
		m = map[string]json.RawMessage{}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	m[key] = encoded
	return json.Marshal(m)
}

// shallowMergeExtraBody layers extraBody's top-level keys onto base,
// overriding any key base already set.
func shallowMergeExtraBody(base []byte, extraBody json.RawMessage) ([]byte, error) {
	if len(extraBody) == 0 {
		return base, nil
	}
	var baseMap map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	} else {
		baseMap = map[string]json.RawMessage{}
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(extraBody, &extra); err != nil {
		return nil, err
	}
	for k, v := range extra {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}

// toolResultText applies the canonical "value if {value:string} else
// JSON.stringify(output)" rule to a tool result's
// Output payload.
func toolResultText(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var wrapped struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(output, &wrapped); err == nil && wrapped.Value != nil {
		return *wrapped.Value
	}
	// Already a JSON string? Unwrap it rather than double-encoding.
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}

// toolInputOrEmpty returns input verbatim, or "{}" if it is empty or the
// JSON literal null —
// the canonical fallback for stringified function-call arguments.
func toolInputOrEmpty(input json.RawMessage) string {
	trimmed := string(input)
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	return trimmed
}
