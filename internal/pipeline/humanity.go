package pipeline

import "strings"

// HumanityReminderMarker identifies a reply that already carries the reminder.
const HumanityReminderMarker = "I'm an AI companion, not a human"

// HumanityReminder is appended to prose replies.
const HumanityReminder = "\n\n" + HumanityReminderMarker + ". If you are in crisis, please reach out to a professional or your local emergency number."

// EnsureHumanityReminder appends the reminder to strings that lack it.
// Other values are returned unchanged.
func EnsureHumanityReminder(result any) any {
	s, ok := result.(string)
	if !ok {
		return result
	}
	if strings.Contains(s, HumanityReminderMarker) {
		return s
	}
	return s + HumanityReminder
}
