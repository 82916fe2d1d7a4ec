package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/whatsapp"
)

// textSource is implemented by *whatsapp.Client.
type textSource interface {
	OnText(fn func(whatsapp.TextMessage))
}

// WhatsAppService implements Service over a linked WhatsApp Web device.
type WhatsAppService struct {
	client whatsapp.Sender
	in     *inbox
	now    func() time.Time
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Inbound messages are only received when
// client is a full *whatsapp.Client; a mock only sends.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{client: client, in: newInbox(), now: time.Now}
}

func (s *WhatsAppService) Name() string { return "whatsapp" }

func (s *WhatsAppService) CanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	src, ok := s.client.(textSource)
	if !ok {
		slog.Debug("WhatsAppService.Start: client cannot receive, inbound disabled")
		return nil
	}
	src.OnText(s.receive)
	slog.Debug("WhatsAppService.Start: inbound handler registered")
	return nil
}

func (s *WhatsAppService) receive(tm whatsapp.TextMessage) {
	msg := Inbound{ID: tm.ID, From: tm.From, Body: tm.Body, At: s.now()}
	if !s.in.emit(msg) {
		slog.Warn("WhatsAppService.receive: inbound queue unavailable, dropping message", "message_id", msg.ID)
	}
}

func (s *WhatsAppService) Stop() error {
	if s.in.close() {
		slog.Info("WhatsAppService.Stop: stopped")
	}
	return nil
}

func (s *WhatsAppService) Inbound() <-chan Inbound { return s.in.ch }

func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.CanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonical, "error", err)
		return err
	}
	return nil
}
