package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// decodeObject parses generation output as a JSON object. Markdown code
// fences around the object are tolerated.
func decodeObject(op, raw string) (map[string]json.RawMessage, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, &MalformedResponseError{Op: op, Reason: "empty response"}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, &MalformedResponseError{Op: op, Reason: "not a JSON object", Err: err}
	}
	if obj == nil {
		return nil, &MalformedResponseError{Op: op, Reason: "null response"}
	}
	return obj, nil
}

// decodeItems parses a category value as an array of objects. A JSON null
// is an empty list.
func decodeItems(op, key string, raw json.RawMessage) ([]map[string]json.RawMessage, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &MalformedResponseError{Op: op, Reason: fmt.Sprintf("%q is not an array", key), Err: err}
	}

	out := make([]map[string]json.RawMessage, 0, len(items))
	for i, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			return nil, &MalformedResponseError{Op: op, Reason: fmt.Sprintf("%q[%d] is not an object", key, i), Err: err}
		}
		out = append(out, obj)
	}
	return out, nil
}

// stringField reads a string property. Absent or null fields are "" unless
// required; a non-string value is always malformed.
func stringField(op, key string, item map[string]json.RawMessage, field string, required bool) (string, error) {
	raw, ok := item[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if required {
			return "", &MalformedResponseError{Op: op, Reason: fmt.Sprintf("%q entry missing %s", key, field)}
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &MalformedResponseError{Op: op, Reason: fmt.Sprintf("%q entry %s is not a string", key, field), Err: err}
	}
	return s, nil
}
