// Package prompts holds the system prompts and fixed user-facing texts used by
// the event handlers, loaded from embedded defaults with an optional YAML overlay.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DiaryDefaultQuestionCount is the number of questions a diary turn falls back to.
const DiaryDefaultQuestionCount = 3

//go:embed defaults.yaml
var defaultsYAML []byte

var defaultSet Set

func init() {
	if err := yaml.Unmarshal(defaultsYAML, &defaultSet); err != nil {
		panic(fmt.Sprintf("failed to parse embedded prompts: %v", err))
	}
	if err := defaultSet.Validate(); err != nil {
		panic(fmt.Sprintf("embedded prompts are invalid: %v", err))
	}
}

// Set is a complete collection of prompts.
type Set struct {
	Therapist             string   `yaml:"therapist"`
	WarmStart             string   `yaml:"warm_start"`
	Dream                 string   `yaml:"dream"`
	Reflection            string   `yaml:"reflection"`
	Diary                 string   `yaml:"diary"`
	SessionSummary        string   `yaml:"session_summary"`
	DeepAnalysis          string   `yaml:"deep_analysis"`
	Onboarding            string   `yaml:"onboarding"`
	ChatFallback          string   `yaml:"chat_fallback"`
	DiaryDefaultQuestions []string `yaml:"diary_default_questions"`
	DiaryClosing          string   `yaml:"diary_closing"`
}

// Default returns a copy of the embedded prompt set.
func Default() *Set {
	s := defaultSet
	s.DiaryDefaultQuestions = append([]string(nil), defaultSet.DiaryDefaultQuestions...)
	return &s
}

// Load reads a YAML file and overlays it on the embedded defaults.
// Keys missing from the file keep their default value.
func Load(path string) (*Set, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("prompts file %s: %w", path, err)
	}
	slog.Debug("prompts.Load: overlay applied", "path", path)
	return s, nil
}

// Validate checks that every prompt is present and the diary defaults hold exactly three questions.
func (s *Set) Validate() error {
	required := map[string]string{
		"therapist":       s.Therapist,
		"warm_start":      s.WarmStart,
		"dream":           s.Dream,
		"reflection":      s.Reflection,
		"diary":           s.Diary,
		"session_summary": s.SessionSummary,
		"deep_analysis":   s.DeepAnalysis,
		"onboarding":      s.Onboarding,
		"chat_fallback":   s.ChatFallback,
	}
	var errs []error
	for key, val := range required {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		}
	}
	if len(s.DiaryDefaultQuestions) != DiaryDefaultQuestionCount {
		errs = append(errs, fmt.Errorf("diary_default_questions must hold exactly %d questions, got %d",
			DiaryDefaultQuestionCount, len(s.DiaryDefaultQuestions)))
	}
	return errors.Join(errs...)
}

// ChatFallbackFor renders the chat fallback for a user nickname, which may be empty.
func (s *Set) ChatFallbackFor(nickname string) string {
	name := ""
	if n := strings.TrimSpace(nickname); n != "" {
		name = ", " + n
	}
	return strings.TrimSpace(strings.ReplaceAll(s.ChatFallback, "{nickname}", name))
}
