// Package pipeline implements event orchestration: admission through the
// health gate, routing to a handler, context building, language model
// invocation, persistence and response post-processing.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/prompts"
)

// AIClient sends prompts to a language model and embeds text.
type AIClient interface {
	Invoke(ctx context.Context, p models.Prompt) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryRetriever returns the user's memories most relevant to query.
// An empty result is not an error.
type MemoryRetriever interface {
	RetrieveContext(ctx context.Context, userID, query string) ([]models.RetrievedMemory, error)
}

// MemoryIndexer stores user text so later retrievals can find it.
type MemoryIndexer interface {
	Index(ctx context.Context, userID, content string, layer models.SourceLayer) (models.MemoryFragment, error)
}

// VaultStore reads and updates the durable per-user profile.
type VaultStore interface {
	GetUserVault(ctx context.Context, userID string) (*models.Vault, error)
	UpdateUserVault(ctx context.Context, userID string, patch models.VaultPatch) (*models.Vault, error)
}

// EventStore persists events and decision logs.
type EventStore interface {
	UpsertEvent(ctx context.Context, e models.Event) (models.Event, error)
	InsertEvent(ctx context.Context, e models.Event) (models.Event, error)
	UpdateEventData(ctx context.Context, id string, patch map[string]any) (models.Event, error)
	ClaimEventData(ctx context.Context, id, flag string, patch map[string]any) (models.Event, error)
	GetEvent(ctx context.Context, userID, id string) (*models.Event, error)
	ListRecentEvents(ctx context.Context, userID string, limit int, types ...models.EventType) ([]models.Event, error)
	InsertDecisionLog(ctx context.Context, d models.DecisionLog) (models.DecisionLog, error)
	DiaryTurns(ctx context.Context, userID, conversationID string) (int, error)
	IncrementDiaryTurn(ctx context.Context, userID, conversationID string, maxTurns int) (int, error)
}

// HealthSource reports the current system health.
type HealthSource interface {
	EvaluateSystemHealth(ctx context.Context) (models.SystemHealth, error)
}

// Timeouts bound each class of blocking call made while handling an event.
type Timeouts struct {
	AI     time.Duration
	IO     time.Duration
	Health time.Duration
}

// DefaultTimeouts are applied to zero fields of Dependencies.Timeouts.
var DefaultTimeouts = Timeouts{
	AI:     30 * time.Second,
	IO:     5 * time.Second,
	Health: 2 * time.Second,
}

// Dependencies holds every collaborator a handler may use.
type Dependencies struct {
	AI      AIClient
	Vault   VaultStore
	Store   EventStore
	Memory  MemoryRetriever // optional; nil disables retrieval
	Indexer MemoryIndexer   // optional; nil disables indexing
	Health  HealthSource    // optional; nil admits every request

	Logger   *slog.Logger
	Prompts  *prompts.Set
	Clock    func() time.Time
	Timeouts Timeouts
}

// ErrMissingDependency is returned when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing pipeline dependency")

func (d Dependencies) withDefaults() (Dependencies, error) {
	var missing []error
	if d.AI == nil {
		missing = append(missing, errors.New("AI"))
	}
	if d.Vault == nil {
		missing = append(missing, errors.New("Vault"))
	}
	if d.Store == nil {
		missing = append(missing, errors.New("Store"))
	}
	if len(missing) > 0 {
		return d, errors.Join(append([]error{ErrMissingDependency}, missing...)...)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Prompts == nil {
		d.Prompts = prompts.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Timeouts.AI <= 0 {
		d.Timeouts.AI = DefaultTimeouts.AI
	}
	if d.Timeouts.IO <= 0 {
		d.Timeouts.IO = DefaultTimeouts.IO
	}
	if d.Timeouts.Health <= 0 {
		d.Timeouts.Health = DefaultTimeouts.Health
	}
	return d, nil
}

func (d *Dependencies) now() time.Time {
	return d.Clock().UTC()
}

func (d *Dependencies) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.Timeouts.IO)
}
