package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/util"
)

// AnalysisEventLimit caps how many recent events a deep analysis reads.
const AnalysisEventLimit = 20

// AnalysisResult is returned by HandleDeepAnalysis.
type AnalysisResult struct {
	Report  string `json:"report"`
	EventID string `json:"eventId"`
}

// Reply returns the analysis report.
func (r AnalysisResult) Reply() string { return r.Report }

// HandleDeepAnalysis writes a prose overview of the user's recent activity.
func HandleDeepAnalysis(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.AnalysisData](pc.Event)
	if err != nil {
		return Failure(NewValidationError("invalid analysis request", err))
	}

	ioCtx, cancel := deps.ioContext(ctx)
	events, err := deps.Store.ListRecentEvents(ioCtx, pc.UserID, AnalysisEventLimit+1)
	cancel()
	if err != nil {
		pc.Logger.Error("failed to load recent events", "error", err)
		return Failure(NewDatabaseError("list recent events", err))
	}
	var lines []string
	for _, e := range events {
		if e.ID == pc.Event.ID || e.Type == models.EventTypePendingSession {
			continue
		}
		if data.Days > 0 && deps.now().Sub(e.CreatedAt) > daysDuration(data.Days) {
			continue
		}
		if len(lines) == AnalysisEventLimit {
			break
		}
		lines = append(lines, describeEvent(e))
	}
	if len(lines) == 0 {
		return Failure(NewValidationError(MsgNotEnoughActivity, nil))
	}

	dossier := BuildDossier(ctx, deps, pc, BuildInput{})
	report, err := invokeAI(ctx, deps, pc, models.Prompt{
		System: deps.Prompts.DeepAnalysis,
		User:   fmt.Sprintf("%s\n## Activity (newest first)\n- %s\n", dossier.Render(), strings.Join(lines, "\n- ")),
	})
	if err != nil {
		return Failure(NewValidationError(MsgAIUnavailable, err))
	}
	report = strings.TrimSpace(report)
	if report == "" {
		return Failure(NewValidationError(MsgAIResponseMalformed, errEmptyReply))
	}

	rec := newRecord(deps, pc, util.NewID(util.PrefixEvent), models.EventTypeAIAnalysis, map[string]any{
		"report":         report,
		"eventsAnalyzed": len(lines),
		"days":           data.Days,
	})
	if err := insertEvent(ctx, deps, pc, rec); err != nil {
		return Failure(err)
	}
	pc.Logger.Info("deep analysis stored", "event_id", rec.ID, "events", len(lines))
	return Success(AnalysisResult{Report: report, EventID: rec.ID})
}

func daysDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
