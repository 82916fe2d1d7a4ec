package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// sqlBackend holds the SQL shared by the SQLite and Postgres stores. Queries
// are written with ? placeholders and rebound for the active driver.
type sqlBackend struct {
	db       *sql.DB
	name     string
	dollar   bool   // use $1, $2... placeholders
	lockRows string // row lock suffix for read-modify-write selects
}

func (b *sqlBackend) bind(query string) string {
	if !b.dollar {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Ping verifies the database connection.
func (b *sqlBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	slog.Debug(b.name + ".Close: closing database connection")
	return b.db.Close()
}

const eventColumns = `id, user_id, event_type, data, occurred_at, created_at`

func (b *sqlBackend) UpsertEvent(ctx context.Context, e models.Event) (models.Event, error) {
	data, err := marshalData(e.Data)
	if err != nil {
		return models.Event{}, err
	}
	_, err = b.db.ExecContext(ctx, b.bind(`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET event_type = excluded.event_type, data = excluded.data, occurred_at = excluded.occurred_at`),
		e.ID, e.UserID, string(e.Type), data, e.Timestamp.UTC(), e.CreatedAt.UTC())
	if err != nil {
		slog.Error(b.name+".UpsertEvent failed", "error", err, "event_id", e.ID)
		return models.Event{}, fmt.Errorf("failed to upsert event %s: %w", e.ID, err)
	}
	slog.Debug(b.name+".UpsertEvent succeeded", "event_id", e.ID, "type", e.Type)
	return e, nil
}

func (b *sqlBackend) InsertEvent(ctx context.Context, e models.Event) (models.Event, error) {
	data, err := marshalData(e.Data)
	if err != nil {
		return models.Event{}, err
	}
	_, err = b.db.ExecContext(ctx, b.bind(`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, string(e.Type), data, e.Timestamp.UTC(), e.CreatedAt.UTC())
	if err != nil {
		slog.Error(b.name+".InsertEvent failed", "error", err, "event_id", e.ID)
		return models.Event{}, fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	slog.Debug(b.name+".InsertEvent succeeded", "event_id", e.ID, "type", e.Type)
	return e, nil
}

func (b *sqlBackend) UpdateEventData(ctx context.Context, id string, patch map[string]any) (models.Event, error) {
	return b.patchEventData(ctx, "UpdateEventData", id, "", patch)
}

func (b *sqlBackend) ClaimEventData(ctx context.Context, id, flag string, patch map[string]any) (models.Event, error) {
	return b.patchEventData(ctx, "ClaimEventData", id, flag, patch)
}

// patchEventData merges patch into the event's data. With a non-empty flag
// the write is refused once data[flag] is true. The update is conditional on
// the data read, so a concurrent writer makes it fail with
// models.ErrEventClaimed instead of being overwritten.
func (b *sqlBackend) patchEventData(ctx context.Context, op, id, flag string, patch map[string]any) (models.Event, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, b.bind(`SELECT `+eventColumns+` FROM events WHERE id = ?`+b.lockRows), id)
	e, raw, err := scanEventRaw(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, models.ErrEventNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to load event %s: %w", id, err)
	}
	if claimed, _ := e.Data[flag].(bool); flag != "" && claimed {
		return models.Event{}, models.ErrEventClaimed
	}
	updated := e.WithData(patch)
	data, err := marshalData(updated.Data)
	if err != nil {
		return models.Event{}, err
	}
	res, err := tx.ExecContext(ctx, b.bind(`UPDATE events SET data = ? WHERE id = ? AND data = ?`), data, id, raw)
	if err != nil {
		slog.Error(b.name+"."+op+" failed", "error", err, "event_id", id)
		return models.Event{}, fmt.Errorf("failed to update event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.Debug(b.name+"."+op+" lost a concurrent update", "event_id", id)
		return models.Event{}, models.ErrEventClaimed
	}
	if err := tx.Commit(); err != nil {
		return models.Event{}, fmt.Errorf("failed to commit event update: %w", err)
	}
	slog.Debug(b.name+"."+op+" succeeded", "event_id", id, "keys", len(patch))
	return updated, nil
}

func (b *sqlBackend) GetEvent(ctx context.Context, userID, id string) (*models.Event, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT `+eventColumns+` FROM events WHERE id = ? AND user_id = ?`), id, userID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrEventNotFound
	}
	if err != nil {
		slog.Error(b.name+".GetEvent failed", "error", err, "event_id", id)
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return &e, nil
}

func (b *sqlBackend) ListRecentEvents(ctx context.Context, userID string, limit int, types ...models.EventType) ([]models.Event, error) {
	if limit <= 0 {
		limit = DefaultRecentEventsLimit
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE user_id = ?`
	args := []any{userID}
	if len(types) > 0 {
		query += ` AND event_type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		slog.Error(b.name+".ListRecentEvents query failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	slog.Debug(b.name+".ListRecentEvents succeeded", "user_id", userID, "count", len(events))
	return events, nil
}

func (b *sqlBackend) InsertDecisionLog(ctx context.Context, d models.DecisionLog) (models.DecisionLog, error) {
	data, err := marshalData(d.Data)
	if err != nil {
		return models.DecisionLog{}, err
	}
	_, err = b.db.ExecContext(ctx, b.bind(`INSERT INTO decision_logs
		(id, user_id, transaction_id, event_type, decision, rationale, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.UserID, d.TransactionID, string(d.EventType), d.Decision, d.Rationale, data, d.CreatedAt.UTC())
	if err != nil {
		slog.Error(b.name+".InsertDecisionLog failed", "error", err, "id", d.ID)
		return models.DecisionLog{}, fmt.Errorf("failed to insert decision log %s: %w", d.ID, err)
	}
	slog.Debug(b.name+".InsertDecisionLog succeeded", "id", d.ID)
	return d, nil
}

func (b *sqlBackend) DiaryTurns(ctx context.Context, userID, conversationID string) (int, error) {
	var owner string
	var turns int
	err := b.db.QueryRowContext(ctx, b.bind(`SELECT user_id, turns FROM diary_turns WHERE conversation_id = ?`),
		conversationID).Scan(&owner, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		slog.Error(b.name+".DiaryTurns failed", "error", err, "conversation_id", conversationID)
		return 0, fmt.Errorf("failed to read diary turns: %w", err)
	}
	if owner != userID {
		return 0, ErrConversationOwnership
	}
	return turns, nil
}

func (b *sqlBackend) IncrementDiaryTurn(ctx context.Context, userID, conversationID string, maxTurns int) (int, error) {
	var turns int
	err := b.db.QueryRowContext(ctx, b.bind(`INSERT INTO diary_turns (conversation_id, user_id, turns, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET turns = diary_turns.turns + 1, updated_at = excluded.updated_at
		WHERE diary_turns.user_id = excluded.user_id AND diary_turns.turns < ?
		RETURNING turns`), conversationID, userID, time.Now(), maxTurns).Scan(&turns)
	if errors.Is(err, sql.ErrNoRows) {
		// No row means the conversation is foreign or used up.
		turns, err := b.DiaryTurns(ctx, userID, conversationID)
		if err != nil {
			return 0, err
		}
		return turns, ErrConversationFinished
	}
	if err != nil {
		slog.Error(b.name+".IncrementDiaryTurn failed", "error", err, "conversation_id", conversationID)
		return 0, fmt.Errorf("failed to increment diary turn: %w", err)
	}
	slog.Debug(b.name+".IncrementDiaryTurn succeeded", "conversation_id", conversationID, "turn", turns)
	return turns, nil
}

func (b *sqlBackend) GetUserVault(ctx context.Context, userID string) (*models.Vault, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, b.bind(`SELECT data FROM user_vaults WHERE user_id = ?`), userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewVault(userID), nil
	}
	if err != nil {
		slog.Error(b.name+".GetUserVault failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get vault for %s: %w", userID, err)
	}
	return decodeVault(userID, raw)
}

func (b *sqlBackend) UpdateUserVault(ctx context.Context, userID string, patch models.VaultPatch) (*models.Vault, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current := models.NewVault(userID)
	var raw string
	err = tx.QueryRowContext(ctx, b.bind(`SELECT data FROM user_vaults WHERE user_id = ?`+b.lockRows), userID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load vault for %s: %w", userID, err)
	default:
		if current, err = decodeVault(userID, raw); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	next := current.Apply(patch, now)
	next.UserID = userID
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault: %w", err)
	}
	_, err = tx.ExecContext(ctx, b.bind(`INSERT INTO user_vaults (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		userID, string(encoded), now)
	if err != nil {
		slog.Error(b.name+".UpdateUserVault failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to save vault for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit vault update: %w", err)
	}
	slog.Debug(b.name+".UpdateUserVault succeeded", "user_id", userID, "themes", len(next.Themes))
	return next, nil
}

func (b *sqlBackend) AddMemoryFragment(ctx context.Context, f models.MemoryFragment) (models.MemoryFragment, error) {
	emb, err := json.Marshal(f.Embedding)
	if err != nil {
		return models.MemoryFragment{}, fmt.Errorf("failed to encode embedding: %w", err)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	err = b.db.QueryRowContext(ctx, b.bind(`INSERT INTO memory_fragments (user_id, content, source_layer, embedding, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		f.UserID, f.Content, string(f.SourceLayer), string(emb), f.CreatedAt.UTC()).Scan(&f.ID)
	if err != nil {
		slog.Error(b.name+".AddMemoryFragment failed", "error", err, "user_id", f.UserID)
		return models.MemoryFragment{}, fmt.Errorf("failed to insert memory fragment: %w", err)
	}
	slog.Debug(b.name+".AddMemoryFragment succeeded", "id", f.ID, "layer", f.SourceLayer)
	return f, nil
}

func (b *sqlBackend) ListMemoryFragments(ctx context.Context, userID string, layers ...models.SourceLayer) ([]models.MemoryFragment, error) {
	query := `SELECT id, user_id, content, source_layer, embedding, created_at FROM memory_fragments WHERE user_id = ?`
	args := []any{userID}
	if len(layers) > 0 {
		query += ` AND source_layer IN (?` + strings.Repeat(`, ?`, len(layers)-1) + `)`
		for _, l := range layers {
			args = append(args, string(l))
		}
	}
	query += ` ORDER BY id`

	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		slog.Error(b.name+".ListMemoryFragments query failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to list memory fragments: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryFragment
	for rows.Next() {
		var f models.MemoryFragment
		var layer, emb string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &layer, &emb, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory fragment: %w", err)
		}
		f.SourceLayer = models.SourceLayer(layer)
		if err := json.Unmarshal([]byte(emb), &f.Embedding); err != nil {
			slog.Warn(b.name+".ListMemoryFragments: skipping fragment with unreadable embedding", "id", f.ID, "error", err)
			continue
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory fragments: %w", err)
	}
	return out, nil
}

func (b *sqlBackend) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := b.db.QueryRowContext(ctx, b.bind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (b *sqlBackend) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.bind(`INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`), messageID, senderID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (b *sqlBackend) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := b.db.ExecContext(ctx, b.bind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (b *sqlBackend) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := b.db.ExecContext(ctx, b.bind(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`), messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	slog.Debug(b.name+".ReleaseInbound succeeded", "message_id", messageID)
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.Event, error) {
	e, _, err := scanEventRaw(row)
	return e, err
}

// scanEventRaw also returns the data column as stored.
func scanEventRaw(row rowScanner) (models.Event, string, error) {
	var e models.Event
	var typ, data string
	if err := row.Scan(&e.ID, &e.UserID, &typ, &data, &e.Timestamp, &e.CreatedAt); err != nil {
		return models.Event{}, "", err
	}
	e.Type = models.EventType(typ)
	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return models.Event{}, "", fmt.Errorf("failed to decode event data: %w", err)
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, data, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode data: %w", err)
	}
	return string(raw), nil
}

func decodeVault(userID, raw string) (*models.Vault, error) {
	v := models.NewVault(userID)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return nil, fmt.Errorf("failed to decode vault for %s: %w", userID, err)
	}
	v.UserID = userID
	return v, nil
}
