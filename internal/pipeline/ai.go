package pipeline

import (
	"context"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/genai"
	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// invokeAI calls the model under the AI timeout. A timeout surfaces as an
// ordinary error.
func invokeAI(ctx context.Context, deps *Dependencies, pc *PipelineContext, p models.Prompt) (string, error) {
	aiCtx, cancel := context.WithTimeout(ctx, deps.Timeouts.AI)
	defer cancel()
	start := time.Now()
	out, err := deps.AI.Invoke(aiCtx, p)
	if err != nil {
		pc.Logger.Warn("AI invocation failed", "json", p.JSON, "elapsed", time.Since(start), "error", err)
		return "", err
	}
	pc.Logger.Debug("AI invocation succeeded", "json", p.JSON, "elapsed", time.Since(start), "length", len(out))
	return out, nil
}

// invokeAIJSON calls the model in JSON mode and decodes the object into T.
// Transport failures and unusable output both become ValidationErrors.
func invokeAIJSON[T any](ctx context.Context, deps *Dependencies, pc *PipelineContext, p models.Prompt, required ...string) (T, error) {
	var zero T
	p.JSON = true
	raw, err := invokeAI(ctx, deps, pc, p)
	if err != nil {
		return zero, NewValidationError(MsgAIUnavailable, err)
	}
	out, err := genai.DecodeJSON[T](raw, required...)
	if err != nil {
		pc.Logger.Warn("AI response malformed", "error", err, "length", len(raw))
		return zero, NewValidationError(MsgAIResponseMalformed, err)
	}
	return out, nil
}
