package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/store"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

// mockAI returns queued replies in order, then the default reply.
type mockAI struct {
	mu      sync.Mutex
	reply   string
	queue   []string
	err     error
	calls   int
	prompts []models.Prompt
}

func (m *mockAI) Invoke(ctx context.Context, p models.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, p)
	if m.err != nil {
		return "", m.err
	}
	if len(m.queue) > 0 {
		out := m.queue[0]
		m.queue = m.queue[1:]
		return out, nil
	}
	return m.reply, nil
}

func (m *mockAI) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (m *mockAI) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockAI) LastPrompt() models.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return models.Prompt{}
	}
	return m.prompts[len(m.prompts)-1]
}

type mockHealth struct {
	score float64
	err   error
	calls int
}

func (h *mockHealth) EvaluateSystemHealth(ctx context.Context) (models.SystemHealth, error) {
	h.calls++
	if h.err != nil {
		return models.SystemHealth{}, h.err
	}
	return models.SystemHealth{Score: h.score, EvaluatedAt: testNow}, nil
}

type mockRetriever struct {
	mu       sync.Mutex
	memories []models.RetrievedMemory
	err      error
	calls    int
}

func (r *mockRetriever) RetrieveContext(ctx context.Context, userID, query string) ([]models.RetrievedMemory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.memories, r.err
}

func (r *mockRetriever) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type mockIndexer struct {
	mu      sync.Mutex
	indexed []string
}

func (ix *mockIndexer) Index(ctx context.Context, userID, content string, layer models.SourceLayer) (models.MemoryFragment, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.indexed = append(ix.indexed, content)
	return models.MemoryFragment{UserID: userID, Content: content, SourceLayer: layer}, nil
}

// failingStore injects errors into selected store calls.
type failingStore struct {
	*store.InMemoryStore
	upsertErr   error
	insertErr   error
	decisionErr error
	listErr     error
	vaultErr    error
	// staleTurns makes DiaryTurns report an unused conversation, as if
	// another turn finished it after the check.
	staleTurns bool
	// beforeClaim runs ahead of every ClaimEventData call.
	beforeClaim func()
}

func (s *failingStore) ClaimEventData(ctx context.Context, id, flag string, patch map[string]any) (models.Event, error) {
	if s.beforeClaim != nil {
		s.beforeClaim()
	}
	return s.InMemoryStore.ClaimEventData(ctx, id, flag, patch)
}

func (s *failingStore) DiaryTurns(ctx context.Context, userID, conversationID string) (int, error) {
	if s.staleTurns {
		return 0, nil
	}
	return s.InMemoryStore.DiaryTurns(ctx, userID, conversationID)
}

func (s *failingStore) UpsertEvent(ctx context.Context, e models.Event) (models.Event, error) {
	if s.upsertErr != nil {
		return models.Event{}, s.upsertErr
	}
	return s.InMemoryStore.UpsertEvent(ctx, e)
}

func (s *failingStore) InsertEvent(ctx context.Context, e models.Event) (models.Event, error) {
	if s.insertErr != nil {
		return models.Event{}, s.insertErr
	}
	return s.InMemoryStore.InsertEvent(ctx, e)
}

func (s *failingStore) InsertDecisionLog(ctx context.Context, d models.DecisionLog) (models.DecisionLog, error) {
	if s.decisionErr != nil {
		return models.DecisionLog{}, s.decisionErr
	}
	return s.InMemoryStore.InsertDecisionLog(ctx, d)
}

func (s *failingStore) ListRecentEvents(ctx context.Context, userID string, limit int, types ...models.EventType) ([]models.Event, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.InMemoryStore.ListRecentEvents(ctx, userID, limit, types...)
}

func (s *failingStore) UpdateUserVault(ctx context.Context, userID string, patch models.VaultPatch) (*models.Vault, error) {
	if s.vaultErr != nil {
		return nil, s.vaultErr
	}
	return s.InMemoryStore.UpdateUserVault(ctx, userID, patch)
}

type testEnv struct {
	deps      Dependencies
	ai        *mockAI
	store     *failingStore
	health    *mockHealth
	retriever *mockRetriever
	indexer   *mockIndexer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ai:        &mockAI{reply: "I hear you."},
		store:     &failingStore{InMemoryStore: store.NewInMemoryStore()},
		health:    &mockHealth{score: 100},
		retriever: &mockRetriever{},
		indexer:   &mockIndexer{},
	}
	env.deps = Dependencies{
		AI:      env.ai,
		Vault:   env.store,
		Store:   env.store,
		Memory:  env.retriever,
		Indexer: env.indexer,
		Health:  env.health,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   func() time.Time { return testNow },
	}
	return env
}

func (env *testEnv) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(env.deps, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func (env *testEnv) process(t *testing.T, eventType models.EventType, data map[string]any) (*Response, error) {
	t.Helper()
	return env.orchestrator(t).Process(context.Background(), "user-1", models.Payload{Type: string(eventType), Data: data})
}

func chat(texts ...string) []any {
	out := make([]any, len(texts))
	for i, text := range texts {
		out[i] = map[string]any{"sender": models.SenderUser, "text": text}
	}
	return out
}

func requireValidation(t *testing.T, err error, message string) {
	t.Helper()
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError %q, got %T: %v", message, err, err)
	}
	if v.Message != message {
		t.Errorf("expected message %q, got %q", message, v.Message)
	}
}
