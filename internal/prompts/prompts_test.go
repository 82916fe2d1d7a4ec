package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default prompts invalid: %v", err)
	}
	if len(s.DiaryDefaultQuestions) != DiaryDefaultQuestionCount {
		t.Errorf("expected %d default questions, got %d", DiaryDefaultQuestionCount, len(s.DiaryDefaultQuestions))
	}
}

func TestDefaultReturnsCopy(t *testing.T) {
	a := Default()
	a.DiaryDefaultQuestions[0] = "changed"
	a.Therapist = "changed"
	b := Default()
	if b.DiaryDefaultQuestions[0] == "changed" || b.Therapist == "changed" {
		t.Error("Default returned shared state")
	}
}

func TestLoadOverlay(t *testing.T) {
	dir, err := os.MkdirTemp("", "prompts_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "prompts.yaml")
	content := "therapist: |\n  Sen sıcak bir yol arkadaşısın.\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write prompts file: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !strings.Contains(s.Therapist, "yol arkadaşı") {
		t.Errorf("therapist prompt not overridden: %q", s.Therapist)
	}
	if s.Dream != Default().Dream {
		t.Error("keys absent from the overlay should keep defaults")
	}
}

func TestLoadRejectsWrongQuestionCount(t *testing.T) {
	dir, err := os.MkdirTemp("", "prompts_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "prompts.yaml")
	content := "diary_default_questions:\n  - only one\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write prompts file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for a single default question")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	s, err := Load("")
	if err != nil || s == nil {
		t.Fatalf("expected defaults for empty path, got %v", err)
	}
}

func TestChatFallbackFor(t *testing.T) {
	s := Default()
	withName := s.ChatFallbackFor("Deniz")
	if !strings.Contains(withName, ", Deniz") {
		t.Errorf("expected nickname in fallback, got %q", withName)
	}
	without := s.ChatFallbackFor("  ")
	if strings.Contains(without, "{nickname}") || strings.Contains(without, ", .") {
		t.Errorf("unexpected fallback without nickname: %q", without)
	}
}
