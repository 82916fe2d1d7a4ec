package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

type mockPinger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *mockPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockAI struct {
	err error
}

func (m *mockAI) Invoke(ctx context.Context, p models.Prompt) (string, error) {
	return "ok", m.err
}

func (m *mockAI) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, m.err
}

func TestMonitorHealthyByDefault(t *testing.T) {
	m := NewMonitor(&mockPinger{})
	h, err := m.EvaluateSystemHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Score != 100 {
		t.Errorf("expected score 100, got %v", h.Score)
	}
	if len(h.Components) != 4 {
		t.Errorf("expected 4 components, got %v", h.Components)
	}
}

func TestMonitorStorageOutageFallsBelowThreshold(t *testing.T) {
	m := NewMonitor(&mockPinger{err: errors.New("connection refused")})
	h, _ := m.EvaluateSystemHealth(context.Background())
	if h.Score >= 60 {
		t.Errorf("expected score below 60 when storage is down, got %v", h.Score)
	}
	if h.Components[ComponentStorage] != 0 {
		t.Errorf("expected storage component 0, got %v", h.Components[ComponentStorage])
	}
}

func TestMonitorAIErrorRate(t *testing.T) {
	m := NewMonitor(nil, WithMinSamples(4))
	for i := 0; i < 4; i++ {
		var err error
		if i%2 == 0 {
			err = errors.New("boom")
		}
		m.RecordAI(0, err)
	}
	h, _ := m.EvaluateSystemHealth(context.Background())
	if got := h.Components[ComponentAIErrors]; got != 50 {
		t.Errorf("expected ai_errors 50, got %v", got)
	}
}

func TestMonitorIgnoresCancellationAndFewSamples(t *testing.T) {
	m := NewMonitor(nil, WithMinSamples(3))
	m.RecordAI(0, errors.New("boom"))
	m.RecordAI(0, context.Canceled)
	h, _ := m.EvaluateSystemHealth(context.Background())
	if got := h.Components[ComponentAIErrors]; got != 100 {
		t.Errorf("expected ai errors ignored below min samples, got %v", got)
	}
}

func TestMonitorWindowSlides(t *testing.T) {
	m := NewMonitor(nil, WithWindowSize(2), WithMinSamples(1), WithCacheTTL(0))
	m.RecordAI(0, errors.New("old failure"))
	m.RecordAI(0, nil)
	m.RecordAI(0, nil)
	h, _ := m.EvaluateSystemHealth(context.Background())
	if got := h.Components[ComponentAIErrors]; got != 100 {
		t.Errorf("expected old failure to slide out, got %v", got)
	}
}

func TestMonitorLatencyAndLoad(t *testing.T) {
	m := NewMonitor(nil, WithMinSamples(1), WithLatencyBudget(10*time.Second), WithMaxInFlight(4))
	m.RecordAI(5*time.Second, nil)
	done1 := m.Begin()
	done2 := m.Begin()
	h, _ := m.EvaluateSystemHealth(context.Background())
	if got := h.Components[ComponentAILatency]; got != 50 {
		t.Errorf("expected ai_latency 50, got %v", got)
	}
	if got := h.Components[ComponentLoad]; got != 50 {
		t.Errorf("expected load 50, got %v", got)
	}
	done1()
	done1()
	done2()
	if m.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", m.InFlight())
	}
}

func TestMonitorCachesEvaluation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := &mockPinger{}
	m := NewMonitor(p, WithClock(clock.Now), WithCacheTTL(5*time.Second))
	ctx := context.Background()

	m.EvaluateSystemHealth(ctx)
	m.EvaluateSystemHealth(ctx)
	if p.calls != 1 {
		t.Errorf("expected cached evaluation, got %d pings", p.calls)
	}
	clock.Advance(6 * time.Second)
	m.EvaluateSystemHealth(ctx)
	if p.calls != 2 {
		t.Errorf("expected re-evaluation after TTL, got %d pings", p.calls)
	}
	m.Invalidate()
	m.EvaluateSystemHealth(ctx)
	if p.calls != 3 {
		t.Errorf("expected re-evaluation after Invalidate, got %d pings", p.calls)
	}
}

// ctxPinger fails only when the context it is given is done.
type ctxPinger struct{}

func (ctxPinger) Ping(ctx context.Context) error { return ctx.Err() }

// cancelPinger always reports a cancelled context.
type cancelPinger struct{ calls int }

func (p *cancelPinger) Ping(ctx context.Context) error {
	p.calls++
	return context.Canceled
}

func TestMonitorCallerCancellationDoesNotPoisonCache(t *testing.T) {
	m := NewMonitor(ctxPinger{})
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := m.EvaluateSystemHealth(cancelled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Components[ComponentStorage] != 100 {
		t.Errorf("cancelled caller should not fail the storage ping, got %+v", h)
	}
	h, _ = m.EvaluateSystemHealth(context.Background())
	if h.Score != 100 {
		t.Errorf("expected healthy score for the next caller, got %v (%v)", h.Score, h.Components)
	}
}

func TestMonitorDoesNotCacheCancelledPing(t *testing.T) {
	p := &cancelPinger{}
	m := NewMonitor(p)
	ctx := context.Background()

	m.EvaluateSystemHealth(ctx)
	m.EvaluateSystemHealth(ctx)
	if p.calls != 2 {
		t.Errorf("expected a cancelled ping to be re-evaluated, got %d pings", p.calls)
	}
}

func TestInstrumentAIRecordsOutcomes(t *testing.T) {
	m := NewMonitor(nil, WithMinSamples(1))
	ai := m.InstrumentAI(&mockAI{err: errors.New("rate limited")})
	if _, err := ai.Invoke(context.Background(), models.Prompt{User: "hi"}); err == nil {
		t.Fatal("expected error to pass through")
	}
	if _, err := ai.Embed(context.Background(), "hi"); err == nil {
		t.Fatal("expected error to pass through")
	}
	h, _ := m.EvaluateSystemHealth(context.Background())
	if got := h.Components[ComponentAIErrors]; got != 0 {
		t.Errorf("expected ai_errors 0 after two failures, got %v", got)
	}
}
