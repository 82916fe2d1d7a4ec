package genai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSONObject is returned when model output holds no JSON object.
var ErrNoJSONObject = errors.New("no JSON object in model output")

// ExtractJSON returns the JSON object contained in model output. Markdown code
// fences and prose around the object are tolerated.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if gjson.Valid(s) && gjson.Parse(s).IsObject() {
		return s, nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSONObject
	}
	candidate := s[start : end+1]
	if !gjson.Valid(candidate) || !gjson.Parse(candidate).IsObject() {
		return "", ErrNoJSONObject
	}
	return candidate, nil
}

// DecodeJSON extracts the JSON object from model output into T. Every path in
// required must be present and non-empty.
func DecodeJSON[T any](raw string, required ...string) (T, error) {
	var out T
	obj, err := ExtractJSON(raw)
	if err != nil {
		return out, err
	}
	for _, path := range required {
		v := gjson.Get(obj, path)
		if !v.Exists() || v.Type == gjson.Null || (v.Type == gjson.String && strings.TrimSpace(v.Str) == "") {
			return out, fmt.Errorf("model output missing %q", path)
		}
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return out, fmt.Errorf("failed to decode model output: %w", err)
	}
	return out, nil
}
