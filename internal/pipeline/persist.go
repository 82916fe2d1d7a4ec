package pipeline

import (
	"context"
	"encoding/json"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// toMap converts a result struct to event data.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// newRecord derives a stored event of type t for this transaction.
func newRecord(deps *Dependencies, pc *PipelineContext, id string, t models.EventType, data map[string]any) models.Event {
	now := deps.now()
	rec := models.Event{ID: id, Type: t, UserID: pc.UserID, Timestamp: pc.Event.Timestamp, CreatedAt: now}
	return rec.WithData(data).WithData(map[string]any{
		"transactionId": pc.TransactionID,
		"sourceEventId": pc.Event.ID,
	})
}

func insertEvent(ctx context.Context, deps *Dependencies, pc *PipelineContext, e models.Event) error {
	ioCtx, cancel := deps.ioContext(ctx)
	defer cancel()
	if _, err := deps.Store.InsertEvent(ioCtx, e); err != nil {
		pc.Logger.Error("failed to insert event", "event_id", e.ID, "type", e.Type, "error", err)
		return NewDatabaseError("insert "+string(e.Type)+" event", err)
	}
	return nil
}

func upsertEvent(ctx context.Context, deps *Dependencies, pc *PipelineContext, e models.Event) error {
	ioCtx, cancel := deps.ioContext(ctx)
	defer cancel()
	if _, err := deps.Store.UpsertEvent(ioCtx, e); err != nil {
		pc.Logger.Error("failed to upsert event", "event_id", e.ID, "type", e.Type, "error", err)
		return NewDatabaseError("upsert "+string(e.Type)+" event", err)
	}
	return nil
}

// updateVault applies patch to the user's vault.
func updateVault(ctx context.Context, deps *Dependencies, pc *PipelineContext, patch models.VaultPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	ioCtx, cancel := deps.ioContext(ctx)
	defer cancel()
	if _, err := deps.Vault.UpdateUserVault(ioCtx, pc.UserID, patch); err != nil {
		return NewDatabaseError("update vault", err)
	}
	return nil
}

// updateVaultBestEffort applies patch and only logs a failure.
func updateVaultBestEffort(ctx context.Context, deps *Dependencies, pc *PipelineContext, patch models.VaultPatch) {
	if err := updateVault(ctx, deps, pc, patch); err != nil {
		pc.Logger.Warn("vault update failed", "error", err)
	}
}

// indexBestEffort stores text as a memory fragment and only logs a failure.
func indexBestEffort(ctx context.Context, deps *Dependencies, pc *PipelineContext, text string, layer models.SourceLayer) {
	if deps.Indexer == nil || text == "" {
		return
	}
	ioCtx, cancel := context.WithTimeout(ctx, deps.Timeouts.AI)
	defer cancel()
	if _, err := deps.Indexer.Index(ioCtx, pc.UserID, text, layer); err != nil {
		pc.Logger.Warn("memory indexing failed", "layer", layer, "error", err)
	}
}
