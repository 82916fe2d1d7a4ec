package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// DreamAnalysis is the model's structured reading of a dream.
type DreamAnalysis struct {
	Title            string   `json:"title"`
	Summary          string   `json:"summary"`
	Themes           []string `json:"themes"`
	Interpretation   string   `json:"interpretation"`
	CrossConnections []string `json:"crossConnections"`
	Questions        []string `json:"questions"`
}

// DreamResult is returned by HandleDreamAnalysis.
type DreamResult struct {
	EventID string `json:"eventId"`
}

// HandleDreamAnalysis interprets a dream and stores the analysis on the event.
func HandleDreamAnalysis(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.DreamData](pc.Event)
	text := strings.TrimSpace(data.DreamText)
	if err != nil || utf8.RuneCountInString(text) < models.MinDreamTextLength {
		return Failure(NewValidationError(MsgInsufficientDreamText, err))
	}

	dossier := BuildDossier(ctx, deps, pc, BuildInput{Query: text})
	analysis, err := invokeAIJSON[DreamAnalysis](ctx, deps, pc, models.Prompt{
		System: deps.Prompts.Dream,
		User:   userPrompt(dossier, "Dream", text),
	}, "title", "interpretation")
	if err != nil {
		return Failure(err)
	}

	rec := newRecord(deps, pc, pc.Event.ID, models.EventTypeDreamAnalysis, pc.Event.Data).
		WithData(map[string]any{"analysis": toMap(analysis)})
	if err := upsertEvent(ctx, deps, pc, rec); err != nil {
		return Failure(err)
	}
	pc.Logger.Info("dream analysis stored", "event_id", rec.ID, "themes", len(analysis.Themes))

	updateVaultBestEffort(ctx, deps, pc, models.VaultPatch{AddThemes: analysis.Themes})
	indexBestEffort(ctx, deps, pc, text, models.SourceLayerContent)
	return Success(DreamResult{EventID: rec.ID})
}

// userPrompt joins the rendered dossier with the user's labelled input.
func userPrompt(d Dossier, label, text string) string {
	var sb strings.Builder
	sb.WriteString(d.Render())
	sb.WriteString("\n## ")
	sb.WriteString(label)
	sb.WriteString("\n")
	sb.WriteString(truncateRunes(text, models.MaxEventTextLength))
	return sb.String()
}
