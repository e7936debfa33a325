package inference

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errEmptyResponse = errors.New("empty response from inference service")

// extractJSON strips markdown fences and surrounding prose from a model reply.
// A reply without any JSON object is returned as-is so contract validation
// can report it.
func extractJSON(text string) (json.RawMessage, error) {
	b := bytes.TrimSpace([]byte(text))
	if len(b) == 0 {
		return nil, errEmptyResponse
	}
	if bytes.HasPrefix(b, []byte("```")) {
		if nl := bytes.IndexByte(b, '\n'); nl >= 0 {
			b = b[nl+1:]
		}
		b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
		b = bytes.TrimSpace(b)
	}
	if json.Valid(b) {
		return json.RawMessage(b), nil
	}
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start >= 0 && end > start && json.Valid(b[start:end+1]) {
		return json.RawMessage(b[start : end+1]), nil
	}
	return json.RawMessage(b), nil
}
