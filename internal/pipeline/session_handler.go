package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// maxTranscriptMessages caps how much chat history is sent to the model.
const maxTranscriptMessages = 12

var errEmptyReply = errors.New("model returned an empty reply")

// SessionResult is returned by HandleTextSession.
type SessionResult struct {
	AIResponse string                  `json:"aiResponse"`
	UsedMemory *models.RetrievedMemory `json:"usedMemory"`
	WarmStart  bool                    `json:"warmStart,omitempty"`
}

// Reply returns the chat reply.
func (r SessionResult) Reply() string { return r.AIResponse }

// HandleTextSession answers a chat turn for text, voice and video sessions.
//
// A turn carrying pendingSessionId resumes the referenced daily reflection
// and fails hard when the model cannot answer. A normal turn falls back to a
// templated reply instead of failing.
func HandleTextSession(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.SessionData](pc.Event)
	text := strings.TrimSpace(data.LastUserText())
	if err != nil || len(data.Messages) == 0 || text == "" {
		return Failure(NewValidationError(MsgChatMessageRequired, err))
	}
	if id := strings.TrimSpace(data.PendingSessionID); id != "" {
		return warmStartTurn(ctx, deps, pc, data, text, id)
	}

	greeting := IsGreeting(text)
	dossier := BuildDossier(ctx, deps, pc, BuildInput{Query: text, SkipMemories: greeting})
	var used *models.RetrievedMemory
	if !greeting {
		used = dossier.TopMemory(MemoryRelevanceThreshold)
	}

	reply, err := invokeAI(ctx, deps, pc, models.Prompt{
		System: deps.Prompts.Therapist,
		User:   dossier.Render() + "\n## Conversation\n" + transcript(data.Messages),
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}
	if err != nil {
		nickname := ""
		if pc.Vault != nil {
			nickname = pc.Vault.Profile.Nickname
		}
		return Fallback(SessionResult{AIResponse: deps.Prompts.ChatFallbackFor(nickname)}, err)
	}

	if !greeting {
		indexBestEffort(ctx, deps, pc, text, models.SourceLayerContent)
	}
	return Success(SessionResult{AIResponse: strings.TrimSpace(reply), UsedMemory: used})
}

func warmStartTurn(ctx context.Context, deps *Dependencies, pc *PipelineContext, data models.SessionData, text, pendingID string) Outcome {
	dossier := BuildDossier(ctx, deps, pc, BuildInput{Query: text, PendingSessionID: pendingID})
	if dossier.WarmStart == nil {
		return Failure(NewValidationError(MsgPendingSessionNotFound, nil))
	}
	reply, err := invokeAI(ctx, deps, pc, models.Prompt{
		System: deps.Prompts.WarmStart,
		User:   dossier.Render() + "\n## Conversation\n" + transcript(data.Messages),
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}
	if err != nil {
		return Failure(NewValidationError(MsgAIUnavailable, err))
	}
	if !consumePendingSession(ctx, deps, pc, pendingID) {
		return Failure(NewValidationError(MsgPendingSessionNotFound, models.ErrEventClaimed))
	}
	pc.Logger.Info("warm start session resumed", "pending_session_id", pendingID, "theme", dossier.WarmStart.Theme)
	return Success(SessionResult{
		AIResponse: strings.TrimSpace(reply),
		UsedMemory: dossier.TopMemory(MemoryRelevanceThreshold),
		WarmStart:  true,
	})
}

// transcript renders the most recent chat messages one per line.
func transcript(msgs []models.ChatMessage) string {
	if len(msgs) > maxTranscriptMessages {
		msgs = msgs[len(msgs)-maxTranscriptMessages:]
	}
	var sb strings.Builder
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		speaker := "User"
		if m.Sender != models.SenderUser {
			speaker = "Companion"
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(truncateRunes(text, models.MaxEventTextLength))
		sb.WriteString("\n")
	}
	return sb.String()
}
