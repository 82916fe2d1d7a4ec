package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/twiliowhatsapp"
)

// SignatureHeader carries Twilio's webhook signature.
const SignatureHeader = "X-Twilio-Signature"

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// messages arrive through WebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  twiliowhatsapp.SignatureValidator
	webhookURL string
	in         *inbox
	now        func() time.Time
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose signature does not match
// webhookURL, the public URL Twilio posts to.
func WithSignatureValidation(v twiliowhatsapp.SignatureValidator, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, in: newInbox(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioService) Name() string { return "twilio" }

// CanonicalizeRecipient strips the whatsapp: prefix and non-digits.
func (s *TwilioService) CanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(twiliowhatsapp.StripAddress(recipient))
}

// Start is a no-op; messages are pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

func (s *TwilioService) Stop() error {
	if s.in.close() {
		slog.Info("TwilioService.Stop: stopped")
	}
	return nil
}

func (s *TwilioService) Inbound() <-chan Inbound { return s.in.ch }

// SendMessage sends body to the WhatsApp number to.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.CanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	return s.client.SendMessage(ctx, "+"+canonical, body)
}

// WebhookHandler receives Twilio's inbound message webhook and queues the
// message on Inbound.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.ValidateSignature(s.webhookURL, params, r.Header.Get(SignatureHeader)) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	from := twiliowhatsapp.StripAddress(r.PostFormValue("From"))
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Debug("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	msg := Inbound{ID: r.PostFormValue("MessageSid"), From: from, Body: body, At: s.now()}
	if !s.in.emit(msg) {
		slog.Warn("TwilioService.WebhookHandler: inbound queue unavailable, dropping message", "message_id", msg.ID)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService.WebhookHandler: queued", "message_id", msg.ID, "body_length", len(body))

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
