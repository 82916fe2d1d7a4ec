package pipeline

import (
	"log/slog"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// PipelineContext is the per-invocation state handed to a handler. It is
// owned by a single Process call and must not be retained after it returns.
type PipelineContext struct {
	TransactionID string
	UserID        string
	Event         models.Event
	Pipeline      PipelineType
	// Vault is a snapshot taken before the handler runs.
	Vault  *models.Vault
	Logger *slog.Logger
}

func newPipelineContext(txID string, event models.Event, vault *models.Vault, logger *slog.Logger) *PipelineContext {
	return &PipelineContext{
		TransactionID: txID,
		UserID:        event.UserID,
		Event:         event,
		Pipeline:      DeterminePipelineType(event.Type),
		Vault:         vault,
		Logger: logger.With(
			"transaction_id", txID,
			"user_id", event.UserID,
			"event_type", string(event.Type),
		),
	}
}
