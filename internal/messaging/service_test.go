package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/barisgudul/Therapy-New-sub003/internal/twiliowhatsapp"
	"github.com/barisgudul/Therapy-New-sub003/internal/whatsapp"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 000-1234", "15550001234", false},
		{"whatsapp:+15550001234", "15550001234", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalPhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("canonicalPhone(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func postWebhook(t *testing.T, s *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.WebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookQueuesMessage(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{"From": {"whatsapp:+15550001234"}, "Body": {"hello"}, "MessageSid": {"SM123"}}

	rec := postWebhook(t, s, form, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<Response>") {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case msg := <-s.Inbound():
		if msg.ID != "SM123" || msg.From != "+15550001234" || msg.Body != "hello" {
			t.Errorf("unexpected inbound: %+v", msg)
		}
	default:
		t.Fatal("expected a queued message")
	}
}

func TestTwilioWebhookRejects(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.ValidSignature = "good-sig"
	s := NewTwilioService(mock, WithSignatureValidation(mock, "https://example.com/webhooks/twilio"))
	form := url.Values{"From": {"whatsapp:+15550001234"}, "Body": {"hello"}}

	if rec := postWebhook(t, s, form, "bad-sig"); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rec.Code)
	}
	if rec := postWebhook(t, s, url.Values{"From": {"whatsapp:+15550001234"}}, "good-sig"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}
	if rec := postWebhook(t, s, form, "good-sig"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for valid signature, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	s.WebhookHandler(rec, httptest.NewRequest(http.MethodGet, "/webhooks/twilio", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}

	_ = s.Stop()
	if rec := postWebhook(t, s, form, "good-sig"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}

func TestTwilioSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)
	if err := s.SendMessage(context.Background(), "whatsapp:+1 555 000 1234", "hi"); err != nil {
		t.Fatal(err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "+15550001234" {
		t.Errorf("unexpected sent: %+v", sent)
	}
	if err := s.SendMessage(context.Background(), "12", "hi"); err == nil {
		t.Error("expected invalid recipient error")
	}
	_ = s.Stop()
	_ = s.Stop()
	if err := s.SendMessage(context.Background(), "+15550001234", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-s.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
}

func TestWhatsAppServiceStartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	svc.receive(whatsapp.TextMessage{ID: "1", From: "+15550001234", Body: "hi"})
	if msg := <-svc.Inbound(); msg.Body != "hi" {
		t.Errorf("unexpected inbound %+v", msg)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	svc.receive(whatsapp.TextMessage{ID: "2", From: "+15550001234", Body: "late"})
	if err := svc.SendMessage(context.Background(), "+15550001234", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
