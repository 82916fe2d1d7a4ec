package pipeline

import (
	"context"
	"fmt"
)

// HandleDefault acknowledges an event type without a dedicated handler.
func HandleDefault(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	pc.Logger.Info("no dedicated handler, acknowledging event")
	return Success(fmt.Sprintf("Received event of type %q. There is no dedicated handler for it, so nothing further was done.", string(pc.Event.Type)))
}
