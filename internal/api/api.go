// Package api exposes the orchestrator over HTTP.
//
// Routes:
//
//	POST /events              process one user event
//	GET  /health              weighted health score, 503 below the threshold
//	GET  /healthz             liveness
//	POST /memories            index a memory fragment
//	GET  /users/{id}/vault    read a user's vault
//	POST /webhooks/twilio     Twilio WhatsApp inbound webhook
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/pipeline"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds the handling of one request.
	DefaultRequestTimeout = 60 * time.Second
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20
)

// EventProcessor runs one event through the pipeline. *pipeline.Orchestrator
// implements it.
type EventProcessor interface {
	Process(ctx context.Context, userID string, payload models.Payload) (*pipeline.Response, error)
}

// HealthReporter reports the current health score.
type HealthReporter interface {
	EvaluateSystemHealth(ctx context.Context) (models.SystemHealth, error)
}

// LoadTracker counts in-flight requests. *health.Monitor implements it.
type LoadTracker interface {
	Begin() (done func())
}

// MemoryIndexer stores a memory fragment.
type MemoryIndexer interface {
	Index(ctx context.Context, userID, content string, layer models.SourceLayer) (models.MemoryFragment, error)
}

// VaultReader reads a user's vault.
type VaultReader interface {
	GetUserVault(ctx context.Context, userID string) (*models.Vault, error)
}

// Opts holds server configuration.
type Opts struct {
	Addr            string
	RequestTimeout  time.Duration
	HealthThreshold float64
	Health          HealthReporter
	Load            LoadTracker
	Memory          MemoryIndexer
	Vault           VaultReader
	TwilioWebhook   http.HandlerFunc
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithHealth enables GET /health with the given admission threshold.
func WithHealth(h HealthReporter, threshold float64) Option {
	return func(o *Opts) {
		o.Health = h
		o.HealthThreshold = threshold
	}
}

// WithLoadTracker counts every request as in-flight load.
func WithLoadTracker(l LoadTracker) Option {
	return func(o *Opts) { o.Load = l }
}

// WithMemoryIndexer enables POST /memories.
func WithMemoryIndexer(ix MemoryIndexer) Option {
	return func(o *Opts) { o.Memory = ix }
}

// WithVaultReader enables GET /users/{id}/vault.
func WithVaultReader(v VaultReader) Option {
	return func(o *Opts) { o.Vault = v }
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	proc    EventProcessor
	opts    Opts
	handler http.Handler
}

// NewServer creates a Server over proc.
func NewServer(proc EventProcessor, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		RequestTimeout:  DefaultRequestTimeout,
		HealthThreshold: pipeline.DefaultHealthThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{proc: proc, opts: cfg}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.eventsHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /healthz", s.livenessHandler)
	if s.opts.Memory != nil {
		mux.HandleFunc("POST /memories", s.memoriesHandler)
	}
	if s.opts.Vault != nil {
		mux.HandleFunc("GET /users/{id}/vault", s.vaultHandler)
	}
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.opts.TwilioWebhook)
	}
	return s.trackInFlight(mux)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// trackInFlight reports every request to the load tracker, except probes.
func (s *Server) trackInFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.opts.Load != nil && r.URL.Path != "/healthz" && r.URL.Path != "/health" {
			done := s.opts.Load.Begin()
			defer done()
		}
		next.ServeHTTP(w, r)
		slog.Debug("Server: request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.RequestTimeout + 5*time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	slog.Info("Server.Serve: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
