package models

import (
	"strings"
	"time"
)

// Vault size limits. Older entries are dropped first.
const (
	MaxVaultThemes      = 20
	MaxVaultKeyInsights = 50
	MaxVaultMoodHistory = 90
)

// Profile holds what the user told us about themselves.
type Profile struct {
	Nickname     string `json:"nickname,omitempty"`
	TherapyGoals string `json:"therapyGoals,omitempty"`
}

// MoodEntry is one recorded mood.
type MoodEntry struct {
	Mood   string    `json:"mood"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// Vault is a user's durable memory profile.
type Vault struct {
	UserID      string      `json:"userId"`
	Profile     Profile     `json:"profile"`
	Themes      []string    `json:"themes"`
	KeyInsights []string    `json:"keyInsights"`
	MoodHistory []MoodEntry `json:"moodHistory"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// NewVault returns an empty vault for userID.
func NewVault(userID string) *Vault {
	return &Vault{UserID: userID, Themes: []string{}, KeyInsights: []string{}, MoodHistory: []MoodEntry{}}
}

// Clone returns a deep copy so snapshots handed to handlers cannot alias stored state.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	out := *v
	out.Themes = append([]string(nil), v.Themes...)
	out.KeyInsights = append([]string(nil), v.KeyInsights...)
	out.MoodHistory = append([]MoodEntry(nil), v.MoodHistory...)
	return &out
}

// RecentMood returns the latest recorded mood, or "" when none is known.
func (v *Vault) RecentMood() string {
	if v == nil || len(v.MoodHistory) == 0 {
		return ""
	}
	return v.MoodHistory[len(v.MoodHistory)-1].Mood
}

// VaultPatch is an additive update applied with read-modify-write.
// Nil profile fields are left untouched.
type VaultPatch struct {
	Nickname       *string     `json:"nickname,omitempty"`
	TherapyGoals   *string     `json:"therapyGoals,omitempty"`
	AddThemes      []string    `json:"addThemes,omitempty"`
	AddKeyInsights []string    `json:"addKeyInsights,omitempty"`
	AddMoods       []MoodEntry `json:"addMoods,omitempty"`
}

// IsEmpty reports whether applying the patch would change nothing.
func (p VaultPatch) IsEmpty() bool {
	return p.Nickname == nil && p.TherapyGoals == nil &&
		len(p.AddThemes) == 0 && len(p.AddKeyInsights) == 0 && len(p.AddMoods) == 0
}

// Apply returns a new vault with the patch applied. The receiver is not modified.
func (v *Vault) Apply(p VaultPatch, now time.Time) *Vault {
	out := v.Clone()
	if out == nil {
		out = NewVault("")
	}
	if p.Nickname != nil {
		out.Profile.Nickname = strings.TrimSpace(*p.Nickname)
	}
	if p.TherapyGoals != nil {
		out.Profile.TherapyGoals = strings.TrimSpace(*p.TherapyGoals)
	}
	out.Themes = appendUnique(out.Themes, p.AddThemes, MaxVaultThemes)
	out.KeyInsights = appendUnique(out.KeyInsights, p.AddKeyInsights, MaxVaultKeyInsights)
	out.MoodHistory = append(out.MoodHistory, p.AddMoods...)
	if n := len(out.MoodHistory); n > MaxVaultMoodHistory {
		out.MoodHistory = out.MoodHistory[n-MaxVaultMoodHistory:]
	}
	out.UpdatedAt = now
	return out
}

// appendUnique appends the non-empty values of add that are not already in
// list (case-insensitive), keeping at most limit entries.
func appendUnique(list, add []string, limit int) []string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range add {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		list = append(list, s)
	}
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
