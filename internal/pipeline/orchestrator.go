package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/util"
)

// DefaultHealthThreshold is the lowest health score that admits work.
const DefaultHealthThreshold = 60.0

// DegradationMessage is returned when the health gate turns a request away.
const DegradationMessage = "The system is currently busy. Please try again in a little while."

// HealthFailurePolicy decides what happens when health cannot be evaluated.
type HealthFailurePolicy int

const (
	// FailOpen admits the request and logs a warning.
	FailOpen HealthFailurePolicy = iota
	// FailClosed answers with the degradation message.
	FailClosed
)

func (p HealthFailurePolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Opts holds orchestrator configuration.
type Opts struct {
	HealthThreshold     float64
	HealthFailurePolicy HealthFailurePolicy
	Registry            *Registry
	NewID               func(prefix string) string
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithHealthThreshold sets the admission threshold.
func WithHealthThreshold(t float64) Option {
	return func(o *Opts) { o.HealthThreshold = t }
}

// WithHealthFailurePolicy sets the behavior when the health source fails.
func WithHealthFailurePolicy(p HealthFailurePolicy) Option {
	return func(o *Opts) { o.HealthFailurePolicy = p }
}

// WithRegistry replaces the handler registry.
func WithRegistry(r *Registry) Option {
	return func(o *Opts) { o.Registry = r }
}

// WithIDGenerator overrides transaction and event id generation.
func WithIDGenerator(fn func(prefix string) string) Option {
	return func(o *Opts) { o.NewID = fn }
}

// Response is the outcome of one Process call.
type Response struct {
	TransactionID string `json:"transactionId"`
	EventID       string `json:"eventId,omitempty"`
	// Text is the rendered reply, with the humanity reminder on prose.
	Text string `json:"text"`
	// Result is the handler's structured value.
	Result   any    `json:"result,omitempty"`
	Status   Status `json:"status,omitempty"`
	Degraded bool   `json:"degraded"`
}

// Orchestrator admits, routes and executes events.
type Orchestrator struct {
	deps Dependencies
	opts Opts
}

// New creates an Orchestrator. AI, Vault and Store are required.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	cfg := Opts{HealthThreshold: DefaultHealthThreshold, HealthFailurePolicy: FailOpen, NewID: util.NewID}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.NewID == nil {
		cfg.NewID = util.NewID
	}
	return &Orchestrator{deps: deps, opts: cfg}, nil
}

// Registry returns the handler registry.
func (o *Orchestrator) Registry() *Registry { return o.opts.Registry }

// Process handles one user event end to end. ValidationError and
// DatabaseError are returned unchanged; any other failure is an APIError.
func (o *Orchestrator) Process(ctx context.Context, userID string, payload models.Payload) (*Response, error) {
	txID := o.opts.NewID(util.PrefixTransaction)
	logger := o.deps.Logger.With("transaction_id", txID, "user_id", userID, "event_type", payload.Type)

	if !o.admit(ctx, txID) {
		logger.Warn("health gate closed, request not processed")
		return &Response{TransactionID: txID, Text: DegradationMessage, Degraded: true}, nil
	}

	if strings.TrimSpace(userID) == "" {
		return nil, NewValidationError("user id is required", models.ErrEmptyUserID)
	}
	if err := payload.Validate(); err != nil {
		return nil, NewValidationError("event type is required", err)
	}

	deps := o.deps
	event := models.NewEvent(o.opts.NewID(util.PrefixEvent), userID, payload, deps.now())
	pc := newPipelineContext(txID, event, o.snapshotVault(ctx, userID, logger), deps.Logger)
	pc.Logger.Info("processing event", "event_id", event.ID, "pipeline", pc.Pipeline)

	outcome := o.execute(ctx, &deps, pc)
	switch outcome.Status {
	case StatusFallback:
		pc.Logger.Warn("handler returned a fallback", "cause", outcome.Err)
	case StatusFailure:
		err := classify(outcome.Err)
		if _, ok := err.(*APIError); ok {
			pc.Logger.Error("request processing failed", "error", outcome.Err)
		} else {
			pc.Logger.Info("request rejected", "error", err)
		}
		return nil, err
	}

	text, err := render(outcome.Value)
	if err != nil {
		pc.Logger.Error("failed to render result", "error", err)
		return nil, &APIError{Message: MsgRequestFailed, Err: err}
	}
	pc.Logger.Info("event processed", "status", outcome.Status)
	return &Response{
		TransactionID: txID,
		EventID:       event.ID,
		Text:          text,
		Result:        outcome.Value,
		Status:        outcome.Status,
	}, nil
}

// admit runs the health gate.
func (o *Orchestrator) admit(ctx context.Context, txID string) bool {
	if o.deps.Health == nil {
		return true
	}
	hctx, cancel := context.WithTimeout(ctx, o.deps.Timeouts.Health)
	defer cancel()
	h, err := o.deps.Health.EvaluateSystemHealth(hctx)
	if err != nil {
		o.deps.Logger.Warn("health evaluation failed", "transaction_id", txID, "policy", o.opts.HealthFailurePolicy.String(), "error", err)
		return o.opts.HealthFailurePolicy == FailOpen
	}
	if h.Score < o.opts.HealthThreshold {
		o.deps.Logger.Info("health below threshold", "transaction_id", txID, "score", h.Score, "threshold", o.opts.HealthThreshold)
		return false
	}
	return true
}

// snapshotVault reads the user's vault. A failed read yields an empty vault.
func (o *Orchestrator) snapshotVault(ctx context.Context, userID string, logger *slog.Logger) *models.Vault {
	ioCtx, cancel := o.deps.ioContext(ctx)
	defer cancel()
	v, err := o.deps.Vault.GetUserVault(ioCtx, userID)
	if err != nil || v == nil {
		logger.Warn("vault snapshot unavailable, continuing with an empty vault", "error", err)
		return models.NewVault(userID)
	}
	return v.Clone()
}

// execute runs the registered handler and turns a panic into a failure.
func (o *Orchestrator) execute(ctx context.Context, deps *Dependencies, pc *PipelineContext) (out Outcome) {
	handler := o.opts.Registry.Lookup(pc.Event.Type)
	defer func() {
		if r := recover(); r != nil {
			out = Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()
	out = handler(ctx, deps, pc)
	if out.Status == "" {
		out.Status = StatusSuccess
		if out.Err != nil {
			out.Status = StatusFailure
		}
	}
	if out.Status == StatusFailure && out.Err == nil {
		out.Err = fmt.Errorf("handler for %s failed without an error", pc.Event.Type)
	}
	return out
}

// render turns a handler value into the reply string. Prose gets the
// humanity reminder; structured values are rendered as JSON.
func render(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return EnsureHumanityReminder(r).(string), nil
	case Replier:
		return EnsureHumanityReminder(r.Reply()).(string), nil
	default:
		raw, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// ProcessUserMessage builds an Orchestrator over deps and processes one
// payload, returning only the rendered reply.
func ProcessUserMessage(ctx context.Context, deps Dependencies, userID string, payload models.Payload, opts ...Option) (string, error) {
	o, err := New(deps, opts...)
	if err != nil {
		return "", &APIError{Message: MsgRequestFailed, Err: err}
	}
	resp, err := o.Process(ctx, userID, payload)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
