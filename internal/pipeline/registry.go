package pipeline

import (
	"context"
	"sync"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome

// Registry maps event types to handlers. Lookups of unregistered types
// return the default handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.EventType]HandlerFunc
	fallback HandlerFunc
}

// NewRegistry returns a registry holding the built-in handlers.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[models.EventType]HandlerFunc{
			models.EventTypeDreamAnalysis:       HandleDreamAnalysis,
			models.EventTypeDailyReflection:     HandleDailyReflection,
			models.EventTypeTextSession:         HandleTextSession,
			models.EventTypeVoiceSession:        HandleTextSession,
			models.EventTypeVideoSession:        HandleTextSession,
			models.EventTypeSessionEnd:          HandleSessionEnd,
			models.EventTypeAIAnalysis:          HandleDeepAnalysis,
			models.EventTypeDiaryEntry:          HandleDiaryEntry,
			models.EventTypeOnboardingCompleted: HandleOnboarding,
		},
		fallback: HandleDefault,
	}
}

// Register replaces the handler for t. It is meant for wiring time, before
// the orchestrator serves requests.
func (r *Registry) Register(t models.EventType, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// SetDefault replaces the handler used for unregistered types.
func (r *Registry) SetDefault(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Lookup returns the handler for t, or the default handler.
func (r *Registry) Lookup(t models.EventType) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[t]; ok {
		return h
	}
	return r.fallback
}

// Has reports whether t has a dedicated handler.
func (r *Registry) Has(t models.EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}
