package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/util"
)

// DiaryResult is returned by HandleDiaryEntry.
type DiaryResult struct {
	AIResponse     string   `json:"aiResponse"`
	NextQuestions  []string `json:"nextQuestions"`
	IsFinal        bool     `json:"isFinal"`
	ConversationID string   `json:"conversationId"`
	Turn           int      `json:"turn"`
	Mood           string   `json:"mood,omitempty"`
}

// Reply returns the diary reply.
func (r DiaryResult) Reply() string { return r.AIResponse }

type diaryOutput struct {
	Reply     string   `json:"reply"`
	Mood      string   `json:"mood"`
	Questions []string `json:"questions"`
}

// HandleDiaryEntry runs one turn of a guided diary conversation. A
// conversation ends after models.MaxDiaryTurns turns.
func HandleDiaryEntry(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.DiaryData](pc.Event)
	input := strings.TrimSpace(data.UserInput)
	if err != nil || input == "" {
		return Failure(NewValidationError(MsgDiaryTextRequired, err))
	}
	convID := strings.TrimSpace(data.ConversationID)
	if convID == "" {
		convID = util.NewID(util.PrefixConversation)
	} else if failure, done := checkDiaryOpen(ctx, deps, pc, convID); done {
		return failure
	}

	dossier := BuildDossier(ctx, deps, pc, BuildInput{Query: input})
	out, err := invokeAIJSON[diaryOutput](ctx, deps, pc, models.Prompt{
		System: deps.Prompts.Diary,
		User:   userPrompt(dossier, "Diary entry", input),
	}, "reply")
	if err != nil {
		return Failure(err)
	}

	// Turns are counted only after the model has answered.
	ioCtx, cancel := deps.ioContext(ctx)
	turn, err := deps.Store.IncrementDiaryTurn(ioCtx, pc.UserID, convID, models.MaxDiaryTurns)
	cancel()
	if errors.Is(err, models.ErrConversationOwnership) {
		return Failure(NewValidationError("conversation not found", err))
	}
	if errors.Is(err, models.ErrConversationFinished) {
		return Failure(NewValidationError(MsgDiaryFinished, err))
	}
	if err != nil {
		pc.Logger.Error("failed to increment diary turn", "conversation_id", convID, "error", err)
		return Failure(NewDatabaseError("increment diary turn", err))
	}

	questions := nonEmpty(out.Questions, 3)
	if len(questions) == 0 {
		questions = append([]string(nil), deps.Prompts.DiaryDefaultQuestions...)
	}
	reply := strings.TrimSpace(out.Reply)
	isFinal := turn >= models.MaxDiaryTurns
	if isFinal {
		questions = []string{}
		if closing := strings.TrimSpace(deps.Prompts.DiaryClosing); closing != "" {
			reply += "\n\n" + closing
		}
	}
	mood := strings.TrimSpace(out.Mood)

	rec := newRecord(deps, pc, pc.Event.ID, models.EventTypeDiaryEntry, map[string]any{
		"userInput":      input,
		"conversationId": convID,
		"turn":           turn,
		"aiResponse":     reply,
		"mood":           mood,
		"questions":      questions,
		"isFinal":        isFinal,
	})
	if err := upsertEvent(ctx, deps, pc, rec); err != nil {
		return Failure(err)
	}
	pc.Logger.Info("diary turn stored", "conversation_id", convID, "turn", turn, "final", isFinal)

	if mood != "" {
		updateVaultBestEffort(ctx, deps, pc, models.VaultPatch{
			AddMoods: []models.MoodEntry{{Mood: mood, Source: string(models.EventTypeDiaryEntry), At: deps.now()}},
		})
	}
	indexBestEffort(ctx, deps, pc, input, models.SourceLayerContent)

	return Success(DiaryResult{
		AIResponse:     reply,
		NextQuestions:  questions,
		IsFinal:        isFinal,
		ConversationID: convID,
		Turn:           turn,
		Mood:           mood,
	})
}

// nonEmpty returns up to max trimmed, non-blank entries of list.
func nonEmpty(list []string, max int) []string {
	var out []string
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
			if len(out) == max {
				break
			}
		}
	}
	return out
}

// checkDiaryOpen rejects turns on a foreign or finished conversation before
// the model is called.
func checkDiaryOpen(ctx context.Context, deps *Dependencies, pc *PipelineContext, convID string) (Outcome, bool) {
	ioCtx, cancel := deps.ioContext(ctx)
	turns, err := deps.Store.DiaryTurns(ioCtx, pc.UserID, convID)
	cancel()
	switch {
	case errors.Is(err, models.ErrConversationOwnership):
		return Failure(NewValidationError("conversation not found", err)), true
	case err != nil:
		pc.Logger.Error("failed to read diary turns", "conversation_id", convID, "error", err)
		return Failure(NewDatabaseError("read diary turns", err)), true
	case turns >= models.MaxDiaryTurns:
		return Failure(NewValidationError(MsgDiaryFinished, models.ErrConversationFinished)), true
	}
	return Outcome{}, false
}
