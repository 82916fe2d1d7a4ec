// Package testutil provides shared fakes and HTTP helpers for tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/pipeline"
	"github.com/barisgudul/Therapy-New-sub003/internal/store"
)

// EmbeddingDims is the size of StubAI embeddings.
const EmbeddingDims = 32

// StubAI is a deterministic AI client. Invoke returns JSONReply for JSON
// prompts and Reply otherwise; Embed hashes words into a bag-of-words vector,
// so texts sharing words are similar.
type StubAI struct {
	mu        sync.Mutex
	Reply     string
	JSONReply string
	Err       error
	calls     int
}

// NewStubAI returns a StubAI with a plain reply and a JSON reply that
// satisfies every handler's required fields.
func NewStubAI() *StubAI {
	return &StubAI{
		Reply: "Thank you for sharing that with me.",
		JSONReply: `{"title":"A dream","interpretation":"It may reflect change.","reflectionText":"That sounds like a full day.",
"conversationTheme":"rest","reply":"I hear you.","questions":[],"summary":"We talked.","welcomeMessage":"Welcome!"}`,
	}
}

func (s *StubAI) Invoke(ctx context.Context, p models.Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return "", s.Err
	}
	if p.JSON {
		return s.JSONReply, nil
	}
	return s.Reply, nil
}

func (s *StubAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, EmbeddingDims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,!?;:")))
		vec[h.Sum32()%EmbeddingDims]++
	}
	return vec, nil
}

// Calls returns how many times Invoke was called.
func (s *StubAI) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// StaticHealth reports a fixed score.
type StaticHealth float64

func (h StaticHealth) EvaluateSystemHealth(ctx context.Context) (models.SystemHealth, error) {
	return models.SystemHealth{Score: float64(h), EvaluatedAt: time.Now().UTC()}, nil
}

// Env is an orchestrator wired to in-memory fakes.
type Env struct {
	AI           *StubAI
	Store        *store.InMemoryStore
	Orchestrator *pipeline.Orchestrator
}

// NewEnv builds an orchestrator over a StubAI and an in-memory store.
func NewEnv(t *testing.T, health pipeline.HealthSource, opts ...pipeline.Option) *Env {
	t.Helper()
	ai := NewStubAI()
	st := store.NewInMemoryStore()
	o, err := pipeline.New(pipeline.Dependencies{
		AI:     ai,
		Vault:  st,
		Store:  st,
		Health: health,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts...)
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	return &Env{AI: ai, Store: st, Orchestrator: o}
}

// AssertHTTPStatus fails the test when actual differs from expected.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// APIEnvelope is a decoded models.APIResponse with a raw result.
type APIEnvelope struct {
	Status  models.APIStatus `json:"status"`
	Message string           `json:"message"`
	Result  json.RawMessage  `json:"result"`
}

// DecodeAPIResponse decodes the recorder's body and checks its status field.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, expected models.APIStatus) APIEnvelope {
	t.Helper()
	var env APIEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if env.Status != expected {
		t.Errorf("expected status %q, got %q (message %q)", expected, env.Status, env.Message)
	}
	return env
}

// NewJSONRequest creates a request whose body is body marshaled to JSON,
// or raw when body is a string.
func NewJSONRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustUnmarshalJSON unmarshals data into target and fails the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
