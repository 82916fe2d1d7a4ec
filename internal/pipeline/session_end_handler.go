package pipeline

import (
	"context"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/util"
)

// SessionEndResult is returned by HandleSessionEnd.
type SessionEndResult struct {
	Summary string `json:"summary"`
	EventID string `json:"eventId"`
}

// Reply returns the session summary.
func (r SessionEndResult) Reply() string { return r.Summary }

type sessionSummaryOutput struct {
	Summary     string   `json:"summary"`
	KeyInsights []string `json:"keyInsights"`
	Themes      []string `json:"themes"`
	Mood        string   `json:"mood"`
}

// HandleSessionEnd summarises a finished chat session and stores the summary.
func HandleSessionEnd(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.SessionData](pc.Event)
	if err != nil || len(data.Messages) == 0 {
		return Failure(NewValidationError(MsgChatMessageRequired, err))
	}
	lines := transcript(data.Messages)
	if strings.TrimSpace(lines) == "" {
		return Failure(NewValidationError(MsgChatMessageRequired, nil))
	}

	dossier := BuildDossier(ctx, deps, pc, BuildInput{})
	out, err := invokeAIJSON[sessionSummaryOutput](ctx, deps, pc, models.Prompt{
		System: deps.Prompts.SessionSummary,
		User:   dossier.Render() + "\n## Session transcript\n" + lines,
	}, "summary")
	if err != nil {
		return Failure(err)
	}

	rec := newRecord(deps, pc, util.NewID(util.PrefixEvent), models.EventTypeSessionSummary, map[string]any{
		"sessionId":   data.SessionID,
		"summary":     out.Summary,
		"keyInsights": nonEmpty(out.KeyInsights, 10),
		"themes":      nonEmpty(out.Themes, 10),
		"mood":        out.Mood,
		"messages":    len(data.Messages),
	})
	if err := insertEvent(ctx, deps, pc, rec); err != nil {
		return Failure(err)
	}
	pc.Logger.Info("session summary stored", "event_id", rec.ID, "session_id", data.SessionID)

	patch := models.VaultPatch{
		AddThemes:      nonEmpty(out.Themes, 10),
		AddKeyInsights: nonEmpty(out.KeyInsights, 10),
	}
	if mood := strings.TrimSpace(out.Mood); mood != "" {
		patch.AddMoods = []models.MoodEntry{{Mood: mood, Source: string(models.EventTypeSessionEnd), At: deps.now()}}
	}
	updateVaultBestEffort(ctx, deps, pc, patch)
	indexBestEffort(ctx, deps, pc, out.Summary, models.SourceLayerSentiment)

	return Success(SessionEndResult{Summary: out.Summary, EventID: rec.ID})
}
