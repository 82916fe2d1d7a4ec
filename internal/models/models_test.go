package models

import (
	"errors"
	"testing"
	"time"
)

func TestEventTypeIsKnown(t *testing.T) {
	for _, et := range KnownEventTypes() {
		if !et.IsKnown() {
			t.Errorf("expected %q to be known", et)
		}
	}
	for _, et := range []EventType{"", "pending_session", "mystery"} {
		if et.IsKnown() {
			t.Errorf("expected %q to be unknown", et)
		}
	}
}

func TestNewEventCopiesData(t *testing.T) {
	data := map[string]any{"dreamText": "a long dream about the sea"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewEvent("evt-1", "user-1", Payload{Type: "dream_analysis", Data: data}, now)

	data["dreamText"] = "changed"
	if e.DataString("dreamText") != "a long dream about the sea" {
		t.Errorf("event data aliased the payload map: %v", e.Data)
	}
	if e.Type != EventTypeDreamAnalysis || e.UserID != "user-1" || !e.Timestamp.Equal(now) {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestEventWithDataDoesNotMutate(t *testing.T) {
	e := NewEvent("evt-1", "u", Payload{Type: "x", Data: map[string]any{"a": 1}}, time.Now())
	derived := e.WithData(map[string]any{"b": 2})
	if _, ok := e.Data["b"]; ok {
		t.Error("WithData mutated the original event")
	}
	if derived.Data["a"] != 1 || derived.Data["b"] != 2 {
		t.Errorf("unexpected derived data: %v", derived.Data)
	}
}

func TestDecodeData(t *testing.T) {
	e := Event{Data: map[string]any{
		"messages":         []any{map[string]any{"sender": "user", "text": "hello"}},
		"pendingSessionId": "p-1",
	}}
	sd, err := DecodeData[SessionData](e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sd.Messages) != 1 || sd.Messages[0].Text != "hello" || sd.PendingSessionID != "p-1" {
		t.Errorf("unexpected session data: %+v", sd)
	}

	bad := Event{Data: map[string]any{"messages": "not a list"}}
	if _, err := DecodeData[SessionData](bad); !errors.Is(err, ErrInvalidEventData) {
		t.Errorf("expected ErrInvalidEventData, got %v", err)
	}
}

func TestSessionDataLastUserText(t *testing.T) {
	sd := SessionData{Messages: []ChatMessage{
		{Sender: SenderUser, Text: "first"},
		{Sender: SenderUser, Text: "second"},
		{Sender: SenderAI, Text: "reply"},
	}}
	if got := sd.LastUserText(); got != "second" {
		t.Errorf("expected 'second', got %q", got)
	}
	if got := (SessionData{}).LastUserText(); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestVaultApply(t *testing.T) {
	now := time.Now()
	v := NewVault("u")
	v.Themes = []string{"Work"}
	name := "  Deniz "

	out := v.Apply(VaultPatch{
		Nickname:       &name,
		AddThemes:      []string{"work", "sleep", ""},
		AddKeyInsights: []string{"walks help"},
		AddMoods:       []MoodEntry{{Mood: "calm", At: now}},
	}, now)

	if out.Profile.Nickname != "Deniz" {
		t.Errorf("expected trimmed nickname, got %q", out.Profile.Nickname)
	}
	if len(out.Themes) != 2 || out.Themes[1] != "sleep" {
		t.Errorf("unexpected themes: %v", out.Themes)
	}
	if out.RecentMood() != "calm" {
		t.Errorf("expected recent mood calm, got %q", out.RecentMood())
	}
	if len(v.Themes) != 1 || v.Profile.Nickname != "" {
		t.Error("Apply mutated the receiver")
	}
}

func TestVaultApplyCapsHistory(t *testing.T) {
	v := NewVault("u")
	var moods []MoodEntry
	for i := 0; i < MaxVaultMoodHistory+5; i++ {
		moods = append(moods, MoodEntry{Mood: "ok"})
	}
	out := v.Apply(VaultPatch{AddMoods: moods}, time.Now())
	if len(out.MoodHistory) != MaxVaultMoodHistory {
		t.Errorf("expected %d moods, got %d", MaxVaultMoodHistory, len(out.MoodHistory))
	}
}

func TestParseSourceLayer(t *testing.T) {
	cases := map[string]SourceLayer{
		"content":    SourceLayerContent,
		"sentiment":  SourceLayerSentiment,
		"stylometry": SourceLayerStylometry,
		"":           SourceLayerContent,
		"episodic":   SourceLayerOther,
	}
	for in, want := range cases {
		if got := ParseSourceLayer(in); got != want {
			t.Errorf("ParseSourceLayer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success(map[string]string{"a": "b"}); r.Status != APIStatusOK || r.Result == nil {
		t.Errorf("unexpected success response: %+v", r)
	}
	if r := Error("boom"); r.Status != APIStatusError || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
	if r := Degraded("busy", nil); r.Status != APIStatusDegraded || r.Message != "busy" {
		t.Errorf("unexpected degraded response: %+v", r)
	}
}
