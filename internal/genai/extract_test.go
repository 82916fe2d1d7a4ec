package genai

import (
	"errors"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain object", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose around", `Here you go: {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`, false},
		{"array only", `[1,2]`, "", true},
		{"no json", `I cannot help with that`, "", true},
		{"broken", `{"a":`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrNoJSONObject) {
					t.Errorf("expected ErrNoJSONObject, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeJSONRequiredFields(t *testing.T) {
	type reflection struct {
		ReflectionText    string `json:"reflectionText"`
		ConversationTheme string `json:"conversationTheme"`
	}
	got, err := DecodeJSON[reflection](`{"reflectionText":"rest well","conversationTheme":"sleep"}`, "reflectionText")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ReflectionText != "rest well" || got.ConversationTheme != "sleep" {
		t.Errorf("unexpected decode: %+v", got)
	}

	if _, err := DecodeJSON[reflection](`{"reflectionText":"  "}`, "reflectionText"); err == nil {
		t.Error("expected error for blank required field")
	}
	if _, err := DecodeJSON[reflection](`{"reflectionText":42}`, "reflectionText"); err == nil {
		t.Error("expected error for wrong field type")
	}
}
