package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	gemini "google.golang.org/genai"
)

// Default Gemini models.
const (
	DefaultGeminiModel          = "gemini-2.5-flash"
	DefaultGeminiEmbeddingModel = "text-embedding-004"
)

// geminiModels is the subset of the Gemini models service used here.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.EmbedContentConfig) (*gemini.EmbedContentResponse, error)
}

// GeminiClient implements Invoke and Embed on top of the Gemini API.
type GeminiClient struct {
	models         geminiModels
	model          string
	embeddingModel string
	temperature    float32
}

// NewGeminiClient creates a Gemini-backed client. GEMINI_API_KEY is used when
// no key option is given. Only Model, EmbeddingModel and Temperature are read
// from the options besides the key.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := Opts{Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultGeminiEmbeddingModel
	}

	cli, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: client created", "model", cfg.Model, "embedding_model", cfg.EmbeddingModel)
	return &GeminiClient{
		models:         cli.Models,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    float32(cfg.Temperature),
	}, nil
}

// Invoke sends the prompt to Gemini and returns the response text.
func (g *GeminiClient) Invoke(ctx context.Context, p models.Prompt) (string, error) {
	if strings.TrimSpace(p.User) == "" {
		return "", ErrEmptyPrompt
	}
	temp := g.temperature
	cfg := &gemini.GenerateContentConfig{Temperature: &temp}
	if p.System != "" {
		cfg.SystemInstruction = gemini.NewContentFromText(p.System, gemini.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	contents := []*gemini.Content{gemini.NewContentFromText(p.User, gemini.RoleUser)}
	slog.Debug("GeminiClient.Invoke: generating content", "model", g.model, "json", p.JSON)
	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		slog.Error("GeminiClient.Invoke: generate content failed", "error", err)
		return "", fmt.Errorf("gemini generate content failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Text(), nil
}

// Embed returns the Gemini embedding for text.
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyEmbeddingInput
	}
	contents := []*gemini.Content{gemini.NewContentFromText(text, gemini.RoleUser)}
	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, contents, nil)
	if err != nil {
		slog.Error("GeminiClient.Embed: embed content failed", "error", err)
		return nil, fmt.Errorf("gemini embed content failed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrNoEmbeddingReturned
	}
	return resp.Embeddings[0].Values, nil
}
