package models

import "time"

// SourceLayer names the retrieval layer a memory fragment was indexed under.
type SourceLayer string

const (
	SourceLayerContent    SourceLayer = "content"
	SourceLayerSentiment  SourceLayer = "sentiment"
	SourceLayerStylometry SourceLayer = "stylometry"
	SourceLayerOther      SourceLayer = "other"
)

// ParseSourceLayer maps s to a known layer, defaulting to SourceLayerOther.
func ParseSourceLayer(s string) SourceLayer {
	switch SourceLayer(s) {
	case SourceLayerContent, SourceLayerSentiment, SourceLayerStylometry:
		return SourceLayer(s)
	case "":
		return SourceLayerContent
	default:
		return SourceLayerOther
	}
}

// RetrievedMemory is a past fragment judged relevant to the current input.
// It is read-only input to the pipeline.
type RetrievedMemory struct {
	Content     string      `json:"content"`
	Similarity  float64     `json:"similarity"`
	SourceLayer SourceLayer `json:"sourceLayer"`
}

// MemoryFragment is an indexed piece of user history with its embedding.
type MemoryFragment struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"userId"`
	Content     string      `json:"content"`
	SourceLayer SourceLayer `json:"sourceLayer"`
	Embedding   []float32   `json:"-"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// SystemHealth is the admission signal consulted before any work is done.
type SystemHealth struct {
	Score       float64            `json:"health_score"`
	Components  map[string]float64 `json:"components,omitempty"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}
