package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHistorySize is how many chat messages per sender are replayed
	// to the pipeline on each turn.
	DefaultHistorySize = 12
	// DefaultWorkers bounds how many senders are served concurrently.
	DefaultWorkers = 8
	// DefaultIdleTTL is how long an idle sender's history is kept.
	DefaultIdleTTL = 6 * time.Hour
	// DefaultMaxConversations caps how many sender histories are held.
	DefaultMaxConversations = 10000
	// EndCommand closes the sender's session and replies with its summary.
	EndCommand = "/end"
)

// ErrorReply is sent when a message could not be processed.
const ErrorReply = "Sorry, I couldn't process that message. Please try again in a moment."

// Processor runs one event through the pipeline.
type Processor interface {
	Process(ctx context.Context, userID string, payload models.Payload) (*pipeline.Response, error)
}

// Deduper records inbound message ids. store.DedupRepo implements it.
type Deduper interface {
	RecordInbound(ctx context.Context, messageID, senderID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	ReleaseInbound(ctx context.Context, messageID string) error
}

// BridgeOpts holds Bridge configuration.
type BridgeOpts struct {
	HistorySize      int
	Workers          int
	Deduper          Deduper
	IdleTTL          time.Duration
	MaxConversations int
	Clock            func() time.Time
}

// BridgeOption configures a Bridge.
type BridgeOption func(*BridgeOpts)

// WithHistorySize sets how many messages per sender are kept.
func WithHistorySize(n int) BridgeOption {
	return func(o *BridgeOpts) { o.HistorySize = n }
}

// WithWorkers sets how many messages are processed concurrently.
func WithWorkers(n int) BridgeOption {
	return func(o *BridgeOpts) { o.Workers = n }
}

// WithDeduper drops messages whose id was already processed.
func WithDeduper(d Deduper) BridgeOption {
	return func(o *BridgeOpts) { o.Deduper = d }
}

// WithIdleTTL sets how long an idle sender's history is kept.
func WithIdleTTL(d time.Duration) BridgeOption {
	return func(o *BridgeOpts) { o.IdleTTL = d }
}

// WithMaxConversations caps how many sender histories are held.
func WithMaxConversations(n int) BridgeOption {
	return func(o *BridgeOpts) { o.MaxConversations = n }
}

// WithClock overrides the time source used for idle eviction.
func WithClock(now func() time.Time) BridgeOption {
	return func(o *BridgeOpts) { o.Clock = now }
}

// conversation is one sender's rolling chat history.
type conversation struct {
	mu       sync.Mutex
	messages []models.ChatMessage

	// Guarded by Bridge.mu.
	refs       int
	lastActive time.Time
}

// Bridge turns a channel's inbound messages into text_session events and
// sends the pipeline's reply back to the sender.
type Bridge struct {
	svc   Service
	proc  Processor
	opts  BridgeOpts
	mu    sync.Mutex
	convs map[string]*conversation
}

// NewBridge connects svc to proc.
func NewBridge(svc Service, proc Processor, opts ...BridgeOption) *Bridge {
	cfg := BridgeOpts{HistorySize: DefaultHistorySize, Workers: DefaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = DefaultMaxConversations
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Bridge{svc: svc, proc: proc, opts: cfg, convs: make(map[string]*conversation)}
}

// UserID is the pipeline user id of a channel sender.
func UserID(channel, canonicalFrom string) string {
	return channel + ":" + canonicalFrom
}

// Run serves inbound messages until the channel closes or ctx is done.
// Messages of one sender are handled in arrival order.
func (b *Bridge) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(b.opts.Workers)
	slog.Info("Bridge.Run: serving channel", "channel", b.svc.Name(), "workers", b.opts.Workers)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case msg, ok := <-b.svc.Inbound():
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				if err := b.HandleInbound(ctx, msg); err != nil {
					slog.Error("Bridge.Run: inbound message failed", "channel", b.svc.Name(), "message_id", msg.ID, "error", err)
				}
				return nil
			})
		}
	}
}

// acquire returns the sender's conversation and pins it against eviction
// until release. A new conversation first evicts idle ones.
func (b *Bridge) acquire(userID string) *conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Clock()
	c, ok := b.convs[userID]
	if !ok {
		b.evictLocked(now)
		c = &conversation{}
		b.convs[userID] = c
	}
	c.refs++
	c.lastActive = now
	return c
}

func (b *Bridge) release(c *conversation) {
	b.mu.Lock()
	c.refs--
	c.lastActive = b.opts.Clock()
	b.mu.Unlock()
}

// evictLocked drops conversations idle for longer than IdleTTL, then the
// least recently active ones while the map is full. Pinned conversations
// are never dropped. The caller holds b.mu.
func (b *Bridge) evictLocked(now time.Time) {
	for id, c := range b.convs {
		if c.refs == 0 && now.Sub(c.lastActive) > b.opts.IdleTTL {
			delete(b.convs, id)
		}
	}
	for len(b.convs) >= b.opts.MaxConversations {
		oldest := ""
		for id, c := range b.convs {
			if c.refs == 0 && (oldest == "" || c.lastActive.Before(b.convs[oldest].lastActive)) {
				oldest = id
			}
		}
		if oldest == "" {
			return
		}
		delete(b.convs, oldest)
	}
	slog.Debug("Bridge.evict: conversations held", "count", len(b.convs))
}

// HandleInbound processes one message and replies to its sender. A message
// id is recorded before processing so concurrent redeliveries are dropped,
// and released again when the turn fails so a later redelivery is served.
func (b *Bridge) HandleInbound(ctx context.Context, msg Inbound) error {
	from, err := b.svc.CanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		slog.Debug("Bridge.HandleInbound: empty message ignored", "message_id", msg.ID)
		return nil
	}
	userID := UserID(b.svc.Name(), from)

	tracked := msg.ID != "" && b.opts.Deduper != nil
	if tracked {
		fresh, rerr := b.opts.Deduper.RecordInbound(ctx, msg.ID, userID)
		switch {
		case rerr != nil:
			slog.Warn("Bridge.HandleInbound: dedup check failed, processing anyway", "message_id", msg.ID, "error", rerr)
			tracked = false
		case !fresh:
			slog.Debug("Bridge.HandleInbound: duplicate message dropped", "message_id", msg.ID)
			return nil
		}
	}

	conv := b.acquire(userID)
	defer b.release(conv)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	var reply string
	var procErr error
	if strings.EqualFold(body, EndCommand) {
		reply, procErr = b.endSession(ctx, userID, conv)
	} else {
		reply, procErr = b.chat(ctx, userID, conv, body)
	}
	if reply != "" {
		if err := b.svc.SendMessage(ctx, msg.From, reply); err != nil {
			if tracked {
				b.releaseInbound(ctx, msg.ID)
			}
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
	if !tracked {
		return nil
	}
	if procErr != nil {
		b.releaseInbound(ctx, msg.ID)
		return nil
	}
	if err := b.opts.Deduper.MarkProcessed(ctx, msg.ID); err != nil {
		slog.Warn("Bridge.HandleInbound: failed to mark processed", "message_id", msg.ID, "error", err)
	}
	return nil
}

// releaseInbound lets a redelivery of a failed message through.
func (b *Bridge) releaseInbound(ctx context.Context, messageID string) {
	if err := b.opts.Deduper.ReleaseInbound(context.WithoutCancel(ctx), messageID); err != nil {
		slog.Warn("Bridge.HandleInbound: failed to release message id", "message_id", messageID, "error", err)
	}
}

// chat runs a text_session turn. The caller holds conv.mu. A non-nil error
// means the turn failed for a reason other than validation; the user
// message is then dropped from the history so a retry does not repeat it.
func (b *Bridge) chat(ctx context.Context, userID string, conv *conversation, body string) (string, error) {
	prev := conv.messages
	conv.messages = append(conv.messages, models.ChatMessage{Sender: models.SenderUser, Text: body})
	if over := len(conv.messages) - b.opts.HistorySize; over > 0 {
		conv.messages = append([]models.ChatMessage(nil), conv.messages[over:]...)
	}
	resp, err := b.proc.Process(ctx, userID, sessionPayload(models.EventTypeTextSession, conv.messages))
	if err != nil {
		reply, failed := errorReply(userID, err)
		if failed != nil {
			conv.messages = prev
		}
		return reply, failed
	}
	if !resp.Degraded {
		conv.messages = append(conv.messages, models.ChatMessage{Sender: models.SenderAI, Text: bareReply(resp)})
	}
	return resp.Text, nil
}

// endSession summarises and clears the history. The caller holds conv.mu.
func (b *Bridge) endSession(ctx context.Context, userID string, conv *conversation) (string, error) {
	if len(conv.messages) == 0 {
		return "There is no open conversation to close.", nil
	}
	resp, err := b.proc.Process(ctx, userID, sessionPayload(models.EventTypeSessionEnd, conv.messages))
	if err != nil {
		return errorReply(userID, err)
	}
	if !resp.Degraded {
		conv.messages = nil
	}
	return resp.Text, nil
}

func sessionPayload(t models.EventType, history []models.ChatMessage) models.Payload {
	msgs := make([]any, len(history))
	for i, m := range history {
		msgs[i] = map[string]any{"sender": m.Sender, "text": m.Text}
	}
	return models.Payload{Type: string(t), Data: map[string]any{"messages": msgs}}
}

// bareReply is the reply without the humanity reminder, for the history.
func bareReply(resp *pipeline.Response) string {
	if r, ok := resp.Result.(pipeline.Replier); ok {
		return r.Reply()
	}
	return resp.Text
}

// errorReply maps a processing error to the text sent back. Validation
// rejections are final and return a nil error.
func errorReply(userID string, err error) (string, error) {
	var v *pipeline.ValidationError
	if errors.As(err, &v) {
		slog.Info("Bridge: message rejected", "user_id", userID, "reason", v.Message)
		return v.Message, nil
	}
	slog.Error("Bridge: processing failed", "user_id", userID, "error", err)
	return ErrorReply, err
}
