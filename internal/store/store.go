// Package store provides storage backends for the therapy orchestrator.
//
// SQLite and PostgreSQL backends share one SQL implementation and embedded
// migrations; InMemoryStore serves tests and local development.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DefaultRecentEventsLimit is used when ListRecentEvents is called with a non-positive limit.
const DefaultRecentEventsLimit = 20

// Error variables for better error handling and testability
var (
	ErrDSNNotSet             = errors.New("database DSN not set")
	ErrConversationOwnership = models.ErrConversationOwnership
	ErrConversationFinished  = models.ErrConversationFinished
	ErrDuplicateKey          = errors.New("duplicate key")
)

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the connection string for a Postgres store.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the file path or DSN for an SQLite store.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// EventRepo persists events, decision logs and diary turn counters.
type EventRepo interface {
	// UpsertEvent inserts the event or replaces the row with the same id.
	UpsertEvent(ctx context.Context, e models.Event) (models.Event, error)
	// InsertEvent inserts a new event row.
	InsertEvent(ctx context.Context, e models.Event) (models.Event, error)
	// UpdateEventData merges patch into the stored event data.
	UpdateEventData(ctx context.Context, id string, patch map[string]any) (models.Event, error)
	// ClaimEventData merges patch only while data[flag] is not true, and
	// returns models.ErrEventClaimed otherwise. patch should set flag.
	ClaimEventData(ctx context.Context, id, flag string, patch map[string]any) (models.Event, error)
	// GetEvent returns the user's event by id or models.ErrEventNotFound.
	GetEvent(ctx context.Context, userID, id string) (*models.Event, error)
	// ListRecentEvents returns the user's newest events first, optionally filtered by type.
	ListRecentEvents(ctx context.Context, userID string, limit int, types ...models.EventType) ([]models.Event, error)
	// InsertDecisionLog stores a decision log row.
	InsertDecisionLog(ctx context.Context, d models.DecisionLog) (models.DecisionLog, error)
	// DiaryTurns returns how many turns a diary conversation has used, 0 for an unknown one.
	DiaryTurns(ctx context.Context, userID, conversationID string) (int, error)
	// IncrementDiaryTurn atomically increments and returns the turn number of a
	// diary conversation. It returns ErrConversationFinished once maxTurns is reached.
	IncrementDiaryTurn(ctx context.Context, userID, conversationID string, maxTurns int) (int, error)
}

// VaultRepo persists user vaults.
type VaultRepo interface {
	// GetUserVault returns the user's vault, or an empty vault when none exists yet.
	GetUserVault(ctx context.Context, userID string) (*models.Vault, error)
	// UpdateUserVault applies patch with read-modify-write and returns the new vault.
	UpdateUserVault(ctx context.Context, userID string, patch models.VaultPatch) (*models.Vault, error)
}

// MemoryRepo persists indexed memory fragments.
type MemoryRepo interface {
	AddMemoryFragment(ctx context.Context, f models.MemoryFragment) (models.MemoryFragment, error)
	// ListMemoryFragments returns the user's fragments, optionally restricted to layers.
	ListMemoryFragments(ctx context.Context, userID string, layers ...models.SourceLayer) ([]models.MemoryFragment, error)
}

// Store is the full persistence surface.
type Store interface {
	EventRepo
	VaultRepo
	MemoryRepo
	DedupRepo
	Ping(ctx context.Context) error
	Close() error
}

// DetectDSNType returns DSNTypePostgres for postgres URLs or key/value DSNs
// and DSNTypeSQLite for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(strings.ToLower(dsn))
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open creates the backend matching the DSN. An empty DSN yields an InMemoryStore.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		s, err := NewPostgresStore(WithPostgresDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
