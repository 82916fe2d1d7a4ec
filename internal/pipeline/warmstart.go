package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// PendingSessionTTL is how long a pending session can be resumed.
const PendingSessionTTL = 24 * time.Hour

// WarmStartSourceReflection marks a pending session left by a daily reflection.
const WarmStartSourceReflection = "daily_reflection"

// Keys of a pending_session event's data.
const (
	pendingKeyOriginalNote = "originalNote"
	pendingKeyAIReflection = "aiReflection"
	pendingKeyTheme        = "theme"
	pendingKeySource       = "source"
	pendingKeyExpiresAt    = "expiresAt"
	pendingKeyConsumed     = "consumed"
	pendingKeyConsumedAt   = "consumedAt"
	pendingKeyConsumedBy   = "consumedBy"
)

// pendingSessionData builds the data of a new pending_session event.
func pendingSessionData(ws models.WarmStartContext, expiresAt time.Time) map[string]any {
	return map[string]any{
		pendingKeyOriginalNote: ws.OriginalNote,
		pendingKeyAIReflection: ws.AIReflection,
		pendingKeyTheme:        ws.Theme,
		pendingKeySource:       ws.Source,
		pendingKeyExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		pendingKeyConsumed:     false,
	}
}

// resolveWarmStart loads the pending session id for the context's user.
// Missing, foreign, expired and consumed sessions all resolve to nil.
func resolveWarmStart(ctx context.Context, deps *Dependencies, pc *PipelineContext, id string) *models.WarmStartContext {
	ioCtx, cancel := deps.ioContext(ctx)
	defer cancel()
	ev, err := deps.Store.GetEvent(ioCtx, pc.UserID, id)
	if err != nil {
		if !errors.Is(err, models.ErrEventNotFound) {
			pc.Logger.Warn("warm start: pending session lookup failed", "pending_session_id", id, "error", err)
		}
		return nil
	}
	if ev.Type != models.EventTypePendingSession || ev.UserID != pc.UserID {
		pc.Logger.Info("warm start: event is not a pending session of this user", "pending_session_id", id, "type", ev.Type)
		return nil
	}
	if consumed, _ := ev.Data[pendingKeyConsumed].(bool); consumed {
		pc.Logger.Info("warm start: pending session already consumed", "pending_session_id", id)
		return nil
	}
	expiresAt := ev.CreatedAt.Add(PendingSessionTTL)
	if raw := ev.DataString(pendingKeyExpiresAt); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			expiresAt = t
		}
	}
	if !deps.now().Before(expiresAt) {
		pc.Logger.Info("warm start: pending session expired", "pending_session_id", id, "expired_at", expiresAt)
		return nil
	}
	return &models.WarmStartContext{
		OriginalNote: ev.DataString(pendingKeyOriginalNote),
		AIReflection: ev.DataString(pendingKeyAIReflection),
		Theme:        ev.DataString(pendingKeyTheme),
		Source:       ev.DataString(pendingKeySource),
	}
}

// consumePendingSession marks the pending session used so it cannot warm
// start a second chat. It reports false when another turn consumed it first.
// Storage failures are logged and do not fail the turn.
func consumePendingSession(ctx context.Context, deps *Dependencies, pc *PipelineContext, id string) bool {
	ioCtx, cancel := deps.ioContext(ctx)
	defer cancel()
	_, err := deps.Store.ClaimEventData(ioCtx, id, pendingKeyConsumed, map[string]any{
		pendingKeyConsumed:   true,
		pendingKeyConsumedAt: deps.now().Format(time.RFC3339),
		pendingKeyConsumedBy: pc.Event.ID,
	})
	switch {
	case errors.Is(err, models.ErrEventClaimed):
		pc.Logger.Info("warm start: pending session consumed by another turn", "pending_session_id", id)
		return false
	case err != nil:
		pc.Logger.Warn("warm start: failed to mark pending session consumed", "pending_session_id", id, "error", err)
	}
	return true
}
