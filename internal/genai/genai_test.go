package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	gemini "google.golang.org/genai"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       *openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
	calls      int
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls++
	m.lastParams = params
	return m.resp, m.err
}

// mockEmbeddingService implements embeddingService for testing.
type mockEmbeddingService struct {
	resp *openai.CreateEmbeddingResponse
	err  error
}

func (m *mockEmbeddingService) New(ctx context.Context, params openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	return m.resp, m.err
}

func completion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(chat chatService, emb embeddingService) *Client {
	return &Client{chat: chat, embeddings: emb, model: DefaultModel, embeddingModel: DefaultEmbeddingModel, temperature: DefaultTemperature}
}

func TestInvoke_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("Hello World")}
	client := newTestClient(mock, nil)
	out, err := client.Invoke(context.Background(), models.Prompt{System: "system prompt", User: "user prompt"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.lastParams.Messages))
	}
	if mock.lastParams.ResponseFormat.OfJSONObject != nil {
		t.Error("JSON response format should not be set for prose prompts")
	}
}

func TestInvoke_JSONMode(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"a":1}`)}
	client := newTestClient(mock, nil)
	if _, err := client.Invoke(context.Background(), models.Prompt{User: "u", JSON: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.lastParams.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
	if len(mock.lastParams.Messages) != 1 {
		t.Errorf("expected only the user message without a system prompt, got %d", len(mock.lastParams.Messages))
	}
}

func TestInvoke_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")}, nil)
	_, err := client.Invoke(context.Background(), models.Prompt{System: "sys", User: "usr"})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestInvoke_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: &openai.ChatCompletion{}}, nil)
	_, err := client.Invoke(context.Background(), models.Prompt{User: "usr"})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestInvoke_EmptyPrompt(t *testing.T) {
	mock := &mockChatService{resp: completion("x")}
	client := newTestClient(mock, nil)
	if _, err := client.Invoke(context.Background(), models.Prompt{System: "sys", User: "  "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
	if mock.calls != 0 {
		t.Error("service should not be called for an empty prompt")
	}
}

func TestEmbed(t *testing.T) {
	emb := &mockEmbeddingService{resp: &openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float64{0.5, -0.25}}},
	}}
	client := newTestClient(nil, emb)
	vec, err := client.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != -0.25 {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestEmbed_Errors(t *testing.T) {
	client := newTestClient(nil, &mockEmbeddingService{resp: &openai.CreateEmbeddingResponse{}})
	if _, err := client.Embed(context.Background(), "hello"); !errors.Is(err, ErrNoEmbeddingReturned) {
		t.Errorf("expected ErrNoEmbeddingReturned, got %v", err)
	}
	if _, err := client.Embed(context.Background(), ""); !errors.Is(err, ErrEmptyEmbeddingInput) {
		t.Errorf("expected ErrEmptyEmbeddingInput, got %v", err)
	}
	failing := newTestClient(nil, &mockEmbeddingService{err: errors.New("quota")})
	if _, err := failing.Embed(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Errorf("expected quota error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0.2))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.temperature != 0.2 || cli.embeddingModel != DefaultEmbeddingModel {
		t.Errorf("options not applied: %+v", cli)
	}
}

// mockGeminiModels implements geminiModels for testing.
type mockGeminiModels struct {
	text      string
	values    []float32
	err       error
	lastCfg   *gemini.GenerateContentConfig
	lastModel string
}

func (m *mockGeminiModels) GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error) {
	m.lastModel = model
	m.lastCfg = config
	if m.err != nil {
		return nil, m.err
	}
	return &gemini.GenerateContentResponse{
		Candidates: []*gemini.Candidate{{Content: &gemini.Content{Parts: []*gemini.Part{{Text: m.text}}}}},
	}, nil
}

func (m *mockGeminiModels) EmbedContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.EmbedContentConfig) (*gemini.EmbedContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &gemini.EmbedContentResponse{Embeddings: []*gemini.ContentEmbedding{{Values: m.values}}}, nil
}

func TestGeminiInvoke(t *testing.T) {
	mock := &mockGeminiModels{text: `{"ok":true}`}
	g := &GeminiClient{models: mock, model: DefaultGeminiModel, temperature: 0.5}
	out, err := g.Invoke(context.Background(), models.Prompt{System: "sys", User: "usr", JSON: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("unexpected output %q", out)
	}
	if mock.lastCfg == nil || mock.lastCfg.ResponseMIMEType != "application/json" || mock.lastCfg.SystemInstruction == nil {
		t.Errorf("unexpected generate config: %+v", mock.lastCfg)
	}
	if mock.lastModel != DefaultGeminiModel {
		t.Errorf("unexpected model %q", mock.lastModel)
	}
}

func TestGeminiInvokeError(t *testing.T) {
	g := &GeminiClient{models: &mockGeminiModels{err: errors.New("unavailable")}}
	if _, err := g.Invoke(context.Background(), models.Prompt{User: "usr"}); err == nil {
		t.Error("expected error")
	}
}

func TestGeminiEmbed(t *testing.T) {
	g := &GeminiClient{models: &mockGeminiModels{values: []float32{1, 2, 3}}}
	vec, err := g.Embed(context.Background(), "text")
	if err != nil || len(vec) != 3 {
		t.Fatalf("unexpected result %v, %v", vec, err)
	}
	empty := &GeminiClient{models: &mockGeminiModels{}}
	if _, err := empty.Embed(context.Background(), "text"); !errors.Is(err, ErrNoEmbeddingReturned) {
		t.Errorf("expected ErrNoEmbeddingReturned, got %v", err)
	}
}
