package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/util"
)

// ReflectionResult is returned by HandleDailyReflection.
type ReflectionResult struct {
	AIResponse        string `json:"aiResponse"`
	ConversationTheme string `json:"conversationTheme"`
	DecisionLogID     string `json:"decisionLogId"`
	PendingSessionID  string `json:"pendingSessionId"`
}

// Reply returns the reflection text.
func (r ReflectionResult) Reply() string { return r.AIResponse }

type reflectionOutput struct {
	ReflectionText    string `json:"reflectionText"`
	ConversationTheme string `json:"conversationTheme"`
}

// HandleDailyReflection reflects on the day's note and leaves a pending
// session a later chat can warm-start from.
func HandleDailyReflection(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.ReflectionData](pc.Event)
	note := strings.TrimSpace(data.TodayNote)
	mood := strings.TrimSpace(data.TodayMood)
	if err != nil || note == "" || mood == "" {
		return Failure(NewValidationError(MsgReflectionRequired, err))
	}

	dossier := BuildDossier(ctx, deps, pc, BuildInput{Query: note})
	out, err := invokeAIJSON[reflectionOutput](ctx, deps, pc, models.Prompt{
		System: deps.Prompts.Reflection,
		User:   userPrompt(dossier, "Today's mood: "+mood+"\n\nToday's note", note),
	}, "reflectionText")
	if err != nil {
		return Failure(err)
	}
	theme := strings.TrimSpace(out.ConversationTheme)

	decision := models.DecisionLog{
		ID:            util.NewID(util.PrefixDecisionLog),
		UserID:        pc.UserID,
		TransactionID: pc.TransactionID,
		EventType:     pc.Event.Type,
		Decision:      "offer_warm_start_session",
		Rationale:     fmt.Sprintf("daily reflection produced theme %q", theme),
		Data:          map[string]any{"mood": mood, "theme": theme, "sourceEventId": pc.Event.ID},
		CreatedAt:     deps.now(),
	}
	ioCtx, cancel := deps.ioContext(ctx)
	_, err = deps.Store.InsertDecisionLog(ioCtx, decision)
	cancel()
	if err != nil {
		pc.Logger.Error("failed to insert decision log", "error", err)
		return Failure(NewDatabaseError("insert decision log", err))
	}

	ws := models.WarmStartContext{
		OriginalNote: note,
		AIReflection: out.ReflectionText,
		Theme:        theme,
		Source:       WarmStartSourceReflection,
	}
	pending := newRecord(deps, pc, util.NewID(util.PrefixEvent), models.EventTypePendingSession,
		pendingSessionData(ws, deps.now().Add(PendingSessionTTL)))
	if err := insertEvent(ctx, deps, pc, pending); err != nil {
		return Failure(err)
	}
	pc.Logger.Info("daily reflection stored", "decision_log_id", decision.ID, "pending_session_id", pending.ID)

	updateVaultBestEffort(ctx, deps, pc, models.VaultPatch{
		AddMoods: []models.MoodEntry{{Mood: mood, Source: string(models.EventTypeDailyReflection), At: deps.now()}},
	})
	indexBestEffort(ctx, deps, pc, note, models.SourceLayerContent)

	return Success(ReflectionResult{
		AIResponse:        out.ReflectionText,
		ConversationTheme: theme,
		DecisionLogID:     decision.ID,
		PendingSessionID:  pending.ID,
	})
}
