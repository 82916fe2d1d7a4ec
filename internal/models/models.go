// Package models defines the core data structures for the therapy orchestrator.
//
// It includes the event envelope, per-type event payloads, the user vault and
// the API response shapes shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the kind of user interaction carried by an Event.
type EventType string

const (
	// EventTypeTextSession is a chat turn typed by the user.
	EventTypeTextSession EventType = "text_session"
	// EventTypeVoiceSession is a chat turn transcribed from voice.
	EventTypeVoiceSession EventType = "voice_session"
	// EventTypeVideoSession is a chat turn from a video session.
	EventTypeVideoSession EventType = "video_session"
	// EventTypeSessionEnd closes a chat session and asks for a summary.
	EventTypeSessionEnd EventType = "session_end"
	// EventTypeDreamAnalysis asks for an interpretation of a dream.
	EventTypeDreamAnalysis EventType = "dream_analysis"
	// EventTypeDailyReflection carries the daily note and mood.
	EventTypeDailyReflection EventType = "daily_reflection"
	// EventTypeDiaryEntry is one turn of a guided diary conversation.
	EventTypeDiaryEntry EventType = "diary_entry"
	// EventTypeAIAnalysis asks for a deep analysis over recent activity.
	EventTypeAIAnalysis EventType = "ai_analysis"
	// EventTypeOnboardingCompleted carries the onboarding answers.
	EventTypeOnboardingCompleted EventType = "onboarding_completed"

	// EventTypePendingSession is written by the daily reflection handler so a
	// later chat turn can warm-start from it.
	EventTypePendingSession EventType = "pending_session"
	// EventTypeSessionSummary stores the summary produced at session end.
	EventTypeSessionSummary EventType = "session_summary"
)

// knownEventTypes lists every inbound event type with a dedicated handler.
var knownEventTypes = []EventType{
	EventTypeTextSession,
	EventTypeVoiceSession,
	EventTypeVideoSession,
	EventTypeSessionEnd,
	EventTypeDreamAnalysis,
	EventTypeDailyReflection,
	EventTypeDiaryEntry,
	EventTypeAIAnalysis,
	EventTypeOnboardingCompleted,
}

// KnownEventTypes returns a copy of the inbound event types with dedicated handlers.
func KnownEventTypes() []EventType {
	out := make([]EventType, len(knownEventTypes))
	copy(out, knownEventTypes)
	return out
}

// IsKnown reports whether t is one of the inbound event types with a dedicated handler.
// Unknown values are kept verbatim and served by the default handler.
func (t EventType) IsKnown() bool {
	for _, k := range knownEventTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Validation constants for input validation
const (
	// MinDreamTextLength is the minimum number of characters in a dream description.
	MinDreamTextLength = 20
	// MaxEventTextLength caps any free-text field forwarded to the model.
	MaxEventTextLength = 8000
	// MaxDiaryTurns bounds the number of turns in one diary conversation.
	MaxDiaryTurns = 3
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyEventType   = errors.New("event type cannot be empty")
	ErrEventNotFound    = errors.New("event not found")
	ErrVaultNotFound    = errors.New("vault not found")
	ErrInvalidEventData = errors.New("invalid event data")
)

// ErrConversationOwnership is returned when a diary conversation id belongs to another user.
var ErrConversationOwnership = errors.New("conversation belongs to another user")

// ErrConversationFinished is returned when a diary conversation has used all its turns.
var ErrConversationFinished = errors.New("conversation already finished")

// ErrEventClaimed is returned when an event's claim flag is already set.
var ErrEventClaimed = errors.New("event already claimed")

// Payload is the inbound shape accepted by the orchestrator.
type Payload struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Validate checks that the payload names an event type.
func (p Payload) Validate() error {
	if p.Type == "" {
		return ErrEmptyEventType
	}
	return nil
}

// Event is one significant user action. Values are not mutated after creation;
// use WithData to derive a new Event.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent builds an Event from a payload. The data map is copied.
func NewEvent(id, userID string, p Payload, now time.Time) Event {
	return Event{
		ID:        id,
		Type:      EventType(p.Type),
		UserID:    userID,
		Data:      cloneData(p.Data),
		Timestamp: now,
		CreatedAt: now,
	}
}

// WithData returns a copy of e whose data is the union of e.Data and extra.
func (e Event) WithData(extra map[string]any) Event {
	merged := cloneData(e.Data)
	for k, v := range extra {
		merged[k] = v
	}
	e.Data = merged
	return e
}

// DataString returns the string value stored under key, or "" when absent.
func (e Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// DecodeData decodes the event data into the given type-specific view.
func DecodeData[T any](e Event) (T, error) {
	var out T
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidEventData, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidEventData, err)
	}
	return out, nil
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DreamData is the payload of a dream_analysis event.
type DreamData struct {
	DreamText string `json:"dreamText"`
}

// ReflectionData is the payload of a daily_reflection event.
type ReflectionData struct {
	TodayNote string `json:"todayNote"`
	TodayMood string `json:"todayMood"`
}

// DiaryData is the payload of a diary_entry event.
type DiaryData struct {
	UserInput      string `json:"userInput"`
	ConversationID string `json:"conversationId"`
}

// ChatMessage is one line of a chat transcript.
type ChatMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// SessionData is the payload of text, voice and video session events and of session_end.
type SessionData struct {
	Messages         []ChatMessage `json:"messages"`
	PendingSessionID string        `json:"pendingSessionId"`
	SessionID        string        `json:"sessionId"`
}

// LastUserText returns the most recent message sent by the user, falling back
// to the last message of any sender.
func (d SessionData) LastUserText() string {
	for i := len(d.Messages) - 1; i >= 0; i-- {
		if d.Messages[i].Sender == SenderUser {
			return d.Messages[i].Text
		}
	}
	if n := len(d.Messages); n > 0 {
		return d.Messages[n-1].Text
	}
	return ""
}

// Chat message senders.
const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// OnboardingData is the payload of an onboarding_completed event.
type OnboardingData struct {
	Nickname     string            `json:"nickname"`
	TherapyGoals string            `json:"therapyGoals"`
	Answers      map[string]string `json:"answers"`
}

// AnalysisData is the payload of an ai_analysis event.
type AnalysisData struct {
	Days int `json:"days"`
}

// DecisionLog records a decision taken by a handler, for later review.
type DecisionLog struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	TransactionID string         `json:"transaction_id"`
	EventType     EventType      `json:"event_type"`
	Decision      string         `json:"decision"`
	Rationale     string         `json:"rationale"`
	Data          map[string]any `json:"data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// WarmStartContext is the prior reflection a chat session resumes from.
type WarmStartContext struct {
	OriginalNote string `json:"originalNote"`
	AIReflection string `json:"aiReflection"`
	Theme        string `json:"theme"`
	Source       string `json:"source"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request succeeded.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDegraded indicates the request was answered by the health gate.
	APIStatusDegraded APIStatus = "degraded"
)

// APIResponse is the JSON envelope returned by the HTTP API.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new API response builder.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the response status.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = status
	return b
}

// WithMessage sets the response message.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the response result.
func (b *APIResponseBuilder) WithResult(result any) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the constructed response.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with a result.
func Success(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Degraded creates a response for requests short-circuited by the health gate.
func Degraded(message string, result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusDegraded).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Prompt is one request to the language model.
type Prompt struct {
	System string
	User   string
	// JSON asks the model for a single JSON object.
	JSON bool
}
