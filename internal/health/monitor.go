// Package health computes the system health score used for admission control.
//
// The score combines storage reachability, the language model's recent error
// rate and latency, and the number of requests in flight. Evaluations are
// cached briefly and concurrent callers share one computation.
package health

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"golang.org/x/sync/singleflight"
)

// Component names reported in SystemHealth.Components.
const (
	ComponentStorage   = "storage"
	ComponentAIErrors  = "ai_errors"
	ComponentAILatency = "ai_latency"
	ComponentLoad      = "load"
)

// Component weights. A storage outage alone drops the score below the default
// admission threshold of 60.
const (
	weightStorage   = 0.45
	weightAIErrors  = 0.35
	weightAILatency = 0.10
	weightLoad      = 0.10
)

// Monitor defaults.
const (
	DefaultWindowSize    = 50
	DefaultMinSamples    = 5
	DefaultCacheTTL      = 5 * time.Second
	DefaultLatencyBudget = 20 * time.Second
	DefaultMaxInFlight   = 64
	DefaultPingTimeout   = 2 * time.Second
)

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Opts holds monitor configuration.
type Opts struct {
	WindowSize    int
	MinSamples    int
	CacheTTL      time.Duration
	LatencyBudget time.Duration
	MaxInFlight   int
	PingTimeout   time.Duration
	Now           func() time.Time
}

// Option configures a Monitor.
type Option func(*Opts)

// WithWindowSize sets how many recent AI calls are considered.
func WithWindowSize(n int) Option {
	return func(o *Opts) { o.WindowSize = n }
}

// WithMinSamples sets how many AI calls must be observed before they affect the score.
func WithMinSamples(n int) Option {
	return func(o *Opts) { o.MinSamples = n }
}

// WithCacheTTL sets how long an evaluation is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = d }
}

// WithLatencyBudget sets the average AI latency that scores zero.
func WithLatencyBudget(d time.Duration) Option {
	return func(o *Opts) { o.LatencyBudget = d }
}

// WithMaxInFlight sets the in-flight request count that scores zero.
func WithMaxInFlight(n int) Option {
	return func(o *Opts) { o.MaxInFlight = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

type sample struct {
	latency time.Duration
	failed  bool
}

// Monitor tracks runtime signals and turns them into a health score.
type Monitor struct {
	storage Pinger
	opts    Opts

	mu       sync.Mutex
	samples  []sample
	next     int
	filled   bool
	inFlight int
	cached   *models.SystemHealth

	group singleflight.Group
}

// NewMonitor creates a Monitor. storage may be nil when there is nothing to ping.
func NewMonitor(storage Pinger, opts ...Option) *Monitor {
	cfg := Opts{
		WindowSize:    DefaultWindowSize,
		MinSamples:    DefaultMinSamples,
		CacheTTL:      DefaultCacheTTL,
		LatencyBudget: DefaultLatencyBudget,
		MaxInFlight:   DefaultMaxInFlight,
		PingTimeout:   DefaultPingTimeout,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	return &Monitor{storage: storage, opts: cfg, samples: make([]sample, cfg.WindowSize)}
}

// RecordAI records the outcome of one language model call. Caller
// cancellations are not counted.
func (m *Monitor) RecordAI(latency time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.next] = sample{latency: latency, failed: err != nil}
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.filled = true
	}
}

// Begin marks a request as in flight. The returned func ends it.
func (m *Monitor) Begin() (done func()) {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.inFlight--
			m.mu.Unlock()
		})
	}
}

// InFlight returns the number of requests currently in flight.
func (m *Monitor) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// EvaluateSystemHealth returns the current health, recomputing it when the
// cached value is older than the cache TTL.
func (m *Monitor) EvaluateSystemHealth(ctx context.Context) (models.SystemHealth, error) {
	m.mu.Lock()
	if m.cached != nil && m.opts.Now().Sub(m.cached.EvaluatedAt) < m.opts.CacheTTL {
		h := *m.cached
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	v, err, shared := m.group.Do("health", func() (any, error) {
		return m.evaluate(ctx), nil
	})
	if err != nil {
		return models.SystemHealth{}, err
	}
	h := v.(models.SystemHealth)
	slog.Debug("Monitor.EvaluateSystemHealth: evaluated", "score", h.Score, "shared", shared)
	return h, nil
}

func (m *Monitor) evaluate(ctx context.Context) models.SystemHealth {
	storage := 100.0
	cacheable := true
	if m.storage != nil {
		// The result is shared with other callers, so one caller's
		// cancellation must not reach the ping.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PingTimeout)
		err := m.storage.Ping(pctx)
		cancel()
		if err != nil {
			slog.Warn("Monitor.evaluate: storage ping failed", "error", err)
			storage = 0
			cacheable = !errors.Is(err, context.Canceled)
		}
	}

	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	var failures int
	var total time.Duration
	for _, s := range m.samples[:n] {
		if s.failed {
			failures++
		}
		total += s.latency
	}
	inFlight := m.inFlight
	m.mu.Unlock()

	aiErrors, aiLatency := 100.0, 100.0
	if n > 0 && n >= m.opts.MinSamples {
		aiErrors = 100 * (1 - float64(failures)/float64(n))
		avg := total / time.Duration(n)
		aiLatency = 100 * clamp01(1-float64(avg)/float64(m.opts.LatencyBudget))
	}
	load := 100.0
	if m.opts.MaxInFlight > 0 {
		load = 100 * clamp01(1-float64(inFlight)/float64(m.opts.MaxInFlight))
	}

	score := weightStorage*storage + weightAIErrors*aiErrors + weightAILatency*aiLatency + weightLoad*load
	h := models.SystemHealth{
		Score: math.Round(score*10) / 10,
		Components: map[string]float64{
			ComponentStorage:   storage,
			ComponentAIErrors:  aiErrors,
			ComponentAILatency: aiLatency,
			ComponentLoad:      load,
		},
		EvaluatedAt: m.opts.Now(),
	}

	if cacheable {
		m.mu.Lock()
		cached := h
		m.cached = &cached
		m.mu.Unlock()
	}
	return h
}

// Invalidate drops the cached evaluation.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
