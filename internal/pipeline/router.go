package pipeline

import "github.com/barisgudul/Therapy-New-sub003/internal/models"

// PipelineType is the coarse execution category of an event.
type PipelineType string

const (
	PipelineTherapySession   PipelineType = "therapy_session"
	PipelineDreamAnalysis    PipelineType = "dream_analysis"
	PipelineDailyReflection  PipelineType = "daily_reflection"
	PipelineDiaryManagement  PipelineType = "diary_management"
	PipelineDeepAnalysis     PipelineType = "deep_analysis"
	PipelineInsightSynthesis PipelineType = "insight_synthesis"
)

var pipelineTypes = map[models.EventType]PipelineType{
	models.EventTypeTextSession:         PipelineTherapySession,
	models.EventTypeVoiceSession:        PipelineTherapySession,
	models.EventTypeVideoSession:        PipelineTherapySession,
	models.EventTypeSessionEnd:          PipelineTherapySession,
	models.EventTypeDreamAnalysis:       PipelineDreamAnalysis,
	models.EventTypeDailyReflection:     PipelineDailyReflection,
	models.EventTypeDiaryEntry:          PipelineDiaryManagement,
	models.EventTypeAIAnalysis:          PipelineDeepAnalysis,
	models.EventTypeOnboardingCompleted: PipelineInsightSynthesis,
}

// DeterminePipelineType maps an event type to its pipeline type. Unknown
// types map to PipelineDeepAnalysis.
func DeterminePipelineType(t models.EventType) PipelineType {
	if p, ok := pipelineTypes[t]; ok {
		return p
	}
	return PipelineDeepAnalysis
}
