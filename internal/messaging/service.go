// Package messaging connects chat channels to the event pipeline.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultChannelBufferSize is the buffer of a service's inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for a reader.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var nonDigits = regexp.MustCompile(`\D`)

// Inbound is a text message received from a channel.
type Inbound struct {
	// ID is the channel's message id, used for deduplication.
	ID   string
	From string
	Body string
	At   time.Time
}

// Service is a chat channel that delivers inbound messages and sends replies.
type Service interface {
	// Name identifies the channel, e.g. "twilio" or "whatsapp".
	Name() string

	// CanonicalizeRecipient validates a phone number and returns its digits.
	CanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins receiving messages.
	Start(ctx context.Context) error

	// Stop stops receiving and closes the Inbound channel.
	Stop() error

	// Inbound returns the channel of received messages.
	Inbound() <-chan Inbound
}

// canonicalPhone strips non-digits and requires at least six of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// inbox is the inbound channel shared by the Service implementations. emit
// holds the read lock while sending so close never races a send.
type inbox struct {
	mu      sync.RWMutex
	ch      chan Inbound
	stopped bool
}

func newInbox() *inbox {
	return &inbox{ch: make(chan Inbound, DefaultChannelBufferSize)}
}

// emit queues msg, dropping it when the service is stopped or the buffer
// stays full for DefaultChannelTimeout.
func (b *inbox) emit(msg Inbound) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	select {
	case b.ch <- msg:
		return true
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// close stops the inbox once. It reports whether this call closed it.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.ch)
	return true
}
