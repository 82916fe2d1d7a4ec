// Package whatsapp wraps the whatsmeow client so the companion can chat over
// a linked WhatsApp Web device.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/barisgudul/Therapy-New-sub003/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultDBFile is the whatsmeow session database name inside the state directory.
	DefaultDBFile = "whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = types.DefaultUserServer
)

var (
	// ErrNotConnected is returned when sending without an initialised client.
	ErrNotConnected = errors.New("whatsapp client not initialized")
	// ErrInvalidRecipient is returned for a recipient without digits.
	ErrInvalidRecipient = errors.New("invalid whatsapp recipient")
)

// Sender sends a WhatsApp text message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TextMessage is an inbound text message.
type TextMessage struct {
	ID   string
	From string
	Body string
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string    // whatsmeow session database
	QRWriter    io.Writer // where the login QR code is printed
	QRPath      string    // file the login code is written to instead of QRWriter
	NumericCode bool      // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRWriter prints the login QR code to w.
func WithQRWriter(w io.Writer) Option {
	return func(o *Opts) { o.QRWriter = w }
}

// WithQRCodeOutput writes the login code to the file at path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	wa *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// driverFor picks the database/sql driver for a session DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the session store and connects, running the QR login flow
// when no device is linked yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{QRWriter: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp session database DSN is required")
	}
	driver := driverFor(cfg.DBDSN)
	if driver == "sqlite3" && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite session database without foreign keys",
			"hint", "append ?_foreign_keys=on to the DSN")
	}
	slog.Debug("whatsapp.NewClient: opening session store", "driver", driver)

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true))

	if wa.Store.ID != nil {
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
		slog.Info("whatsapp.NewClient: connected")
		return &Client{wa: wa}, nil
	}

	slog.Info("whatsapp.NewClient: login required, starting QR flow")
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	out := cfg.QRWriter
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			wa.Disconnect()
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			if cfg.NumericCode {
				fmt.Fprintln(out, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
			}
		case whatsmeow.QRChannelSuccess.Event:
			slog.Info("whatsapp.NewClient: device linked")
		default:
			slog.Debug("whatsapp.NewClient: login event", "event", evt.Event)
		}
	}
	if wa.Store.ID == nil {
		wa.Disconnect()
		return nil, fmt.Errorf("whatsapp login did not complete")
	}
	return &Client{wa: wa}, nil
}

// NormalizeRecipient strips everything but digits from a phone number.
func NormalizeRecipient(to string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, to)
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	return digits, nil
}

// SendMessage sends a text message to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c == nil || c.wa == nil {
		return ErrNotConnected
	}
	user, err := NormalizeRecipient(to)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.wa.SendMessage(ctx, types.NewJID(user, JIDSuffix), msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", user, err)
	}
	slog.Debug("whatsapp.Client.SendMessage: sent", "to", user, "body_length", len(body))
	return nil
}

// OnText registers fn for incoming one-to-one text messages. Messages sent
// by this device and group messages are ignored.
func (c *Client) OnText(fn func(TextMessage)) {
	c.wa.AddEventHandler(func(evt any) {
		if m, ok := evt.(*events.Message); ok {
			if tm, ok := TextFromEvent(m); ok {
				fn(tm)
			}
		}
	})
}

// TextFromEvent extracts a TextMessage from a whatsmeow message event.
func TextFromEvent(evt *events.Message) (TextMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return TextMessage{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return TextMessage{}, false
	}
	return TextMessage{ID: string(evt.Info.ID), From: "+" + evt.Info.Sender.User, Body: text}, true
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	if c != nil && c.wa != nil {
		c.wa.Disconnect()
	}
}

// MockClient records sent messages instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	sent []TextMessage
	err  error
}

var _ Sender = (*MockClient)(nil)

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// FailWith makes subsequent sends return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, TextMessage{From: to, Body: body})
	return nil
}

// Sent returns the captured messages; From holds the recipient.
func (m *MockClient) Sent() []TextMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TextMessage(nil), m.sent...)
}
