package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/memory"
	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/pipeline"
	"github.com/barisgudul/Therapy-New-sub003/internal/store"
	"github.com/barisgudul/Therapy-New-sub003/internal/testutil"
)

// fakeProcessor returns a canned response or error.
type fakeProcessor struct {
	resp    *pipeline.Response
	err     error
	userID  string
	payload models.Payload
}

func (f *fakeProcessor) Process(ctx context.Context, userID string, payload models.Payload) (*pipeline.Response, error) {
	f.userID = userID
	f.payload = payload
	return f.resp, f.err
}

type errHealth struct{}

func (errHealth) EvaluateSystemHealth(ctx context.Context) (models.SystemHealth, error) {
	return models.SystemHealth{}, errors.New("storage unreachable")
}

type countingLoad struct {
	mu    sync.Mutex
	begun int
	done  int
}

func (c *countingLoad) Begin() func() {
	c.mu.Lock()
	c.begun++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.done++
		c.mu.Unlock()
	}
}

type failingVault struct{}

func (failingVault) GetUserVault(ctx context.Context, userID string) (*models.Vault, error) {
	return nil, errors.New("connection reset")
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestEventsHandlerEndToEnd(t *testing.T) {
	env := testutil.NewEnv(t, testutil.StaticHealth(100))
	s := NewServer(env.Orchestrator)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/events", map[string]any{
		"userId": "u1",
		"type":   "dream_analysis",
		"data":   map[string]any{"dreamText": "I was flying over a city made of paper"},
	})
	rr := serve(s, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dream analysis")

	out := testutil.DecodeAPIResponse(t, rr, models.APIStatusOK)
	var resp pipeline.Response
	testutil.MustUnmarshalJSON(t, out.Result, &resp)
	if resp.TransactionID == "" || resp.EventID == "" || resp.Degraded {
		t.Errorf("unexpected response %+v", resp)
	}
	if env.AI.Calls() != 1 {
		t.Errorf("expected one AI call, got %d", env.AI.Calls())
	}
}

func TestEventsHandlerUsesUserIDHeader(t *testing.T) {
	proc := &fakeProcessor{resp: &pipeline.Response{TransactionID: "tx_1", Text: "hi"}}
	s := NewServer(proc)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/events", map[string]any{"type": "text_session"})
	req.Header.Set(UserIDHeader, " u-header ")
	rr := serve(s, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "header user id")
	if proc.userID != "u-header" || proc.payload.Type != "text_session" {
		t.Errorf("processor got user %q payload %+v", proc.userID, proc.payload)
	}
}

func TestEventsHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"validation", pipeline.NewValidationError("dream text is too short", nil), http.StatusBadRequest, "dream text is too short"},
		{"database", pipeline.NewDatabaseError("insert event", errors.New("disk I/O error")), http.StatusServiceUnavailable, msgStorageUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError, pipeline.MsgRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeProcessor{err: tt.err})
			rr := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/events", map[string]any{"userId": "u1", "type": "x"}))
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			out := testutil.DecodeAPIResponse(t, rr, models.APIStatusError)
			if out.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, out.Message)
			}
			if strings.Contains(out.Message, "disk") || strings.Contains(out.Message, "boom") {
				t.Errorf("internal detail leaked: %q", out.Message)
			}
		})
	}
}

func TestEventsHandlerInvalidJSON(t *testing.T) {
	proc := &fakeProcessor{}
	s := NewServer(proc)
	rr := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/events", `{"userId":`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid JSON")
	testutil.DecodeAPIResponse(t, rr, models.APIStatusError)
	if proc.userID != "" {
		t.Error("processor should not be called for invalid JSON")
	}
}

func TestEventsHandlerMissingUserIsBadRequest(t *testing.T) {
	env := testutil.NewEnv(t, nil)
	s := NewServer(env.Orchestrator)
	rr := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/events", map[string]any{"type": "text_session"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing user")
}

func TestEventsHandlerDegraded(t *testing.T) {
	env := testutil.NewEnv(t, testutil.StaticHealth(5))
	s := NewServer(env.Orchestrator)
	rr := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/events", map[string]any{"userId": "u1", "type": "text_session"}))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "degraded")
	out := testutil.DecodeAPIResponse(t, rr, models.APIStatusDegraded)
	if out.Message != pipeline.DegradationMessage {
		t.Errorf("unexpected message %q", out.Message)
	}
	if env.AI.Calls() != 0 {
		t.Errorf("degraded request should not reach the model, got %d calls", env.AI.Calls())
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		reporter   HealthReporter
		wantStatus int
		wantAPI    models.APIStatus
	}{
		{"healthy", testutil.StaticHealth(90), http.StatusOK, models.APIStatusOK},
		{"below threshold", testutil.StaticHealth(20), http.StatusServiceUnavailable, models.APIStatusDegraded},
		{"evaluation error", errHealth{}, http.StatusServiceUnavailable, models.APIStatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeProcessor{}, WithHealth(tt.reporter, 40))
			rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			testutil.DecodeAPIResponse(t, rr, tt.wantAPI)
		})
	}
}

func TestHealthHandlerWithoutReporter(t *testing.T) {
	s := NewServer(&fakeProcessor{})
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "no reporter")
	out := testutil.DecodeAPIResponse(t, rr, models.APIStatusOK)
	var h models.SystemHealth
	testutil.MustUnmarshalJSON(t, out.Result, &h)
	if h.Score != 100 {
		t.Errorf("expected score 100, got %v", h.Score)
	}
}

func TestLivenessHandler(t *testing.T) {
	s := NewServer(&fakeProcessor{}, WithHealth(errHealth{}, 40))
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "liveness ignores health")
}

func TestMemoriesHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	s := NewServer(&fakeProcessor{}, WithMemoryIndexer(memory.NewIndexer(testutil.NewStubAI(), st)))

	rr := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/memories", map[string]any{
		"userId": "u1", "content": "I grew up by the sea", "sourceLayer": "content",
	}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "index memory")
	out := testutil.DecodeAPIResponse(t, rr, models.APIStatusOK)
	var frag models.MemoryFragment
	testutil.MustUnmarshalJSON(t, out.Result, &frag)
	if frag.UserID != "u1" || frag.SourceLayer != models.SourceLayerContent {
		t.Errorf("unexpected fragment %+v", frag)
	}
	stored, _ := st.ListMemoryFragments(context.Background(), "u1")
	if len(stored) != 1 {
		t.Errorf("expected 1 stored fragment, got %d", len(stored))
	}

	rr = serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/memories", map[string]any{"userId": "u1", "content": "  "}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty content")

	rr = serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/memories", map[string]any{"content": "something"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing user")
}

func TestOptionalRoutesAreNotMountedByDefault(t *testing.T) {
	s := NewServer(&fakeProcessor{})
	rr := serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/memories", map[string]any{"userId": "u1", "content": "x"}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "memories")
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/users/u1/vault", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "vault")
	rr = serve(s, httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook")
}

func TestVaultHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.UpdateUserVault(context.Background(), "u1", models.VaultPatch{AddThemes: []string{"sleep"}}); err != nil {
		t.Fatal(err)
	}
	s := NewServer(&fakeProcessor{}, WithVaultReader(st))

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/users/u1/vault", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "vault")
	out := testutil.DecodeAPIResponse(t, rr, models.APIStatusOK)
	var v models.Vault
	testutil.MustUnmarshalJSON(t, out.Result, &v)
	if v.UserID != "u1" || len(v.Themes) != 1 || v.Themes[0] != "sleep" {
		t.Errorf("unexpected vault %+v", v)
	}

	s = NewServer(&fakeProcessor{}, WithVaultReader(failingVault{}))
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/users/u1/vault", nil))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "vault read failure")
}

func TestTwilioWebhookMounted(t *testing.T) {
	called := false
	s := NewServer(&fakeProcessor{}, WithTwilioWebhook(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	rr := serve(s, httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader("From=whatsapp%3A%2B15551234567")))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	if !called {
		t.Error("webhook handler not invoked")
	}
}

func TestLoadTrackerSkipsProbes(t *testing.T) {
	load := &countingLoad{}
	s := NewServer(&fakeProcessor{resp: &pipeline.Response{}}, WithLoadTracker(load), WithHealth(testutil.StaticHealth(100), 40))

	serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if load.begun != 0 {
		t.Errorf("probes should not count as load, got %d", load.begun)
	}
	serve(s, testutil.NewJSONRequest(t, http.MethodPost, "/events", map[string]any{"userId": "u1", "type": "x"}))
	if load.begun != 1 || load.done != 1 {
		t.Errorf("expected one tracked request, got begun=%d done=%d", load.begun, load.done)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(&fakeProcessor{})
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/events", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /events")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := NewServer(&fakeProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never became reachable: %v", err)
	}
	resp.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "live server")

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
