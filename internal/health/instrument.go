package health

import (
	"context"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// AIClient is the language model surface the monitor can observe.
type AIClient interface {
	Invoke(ctx context.Context, p models.Prompt) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// InstrumentedAI records every call of the wrapped client on a Monitor.
type InstrumentedAI struct {
	next    AIClient
	monitor *Monitor
}

// InstrumentAI wraps ai so its outcomes feed the monitor's score.
func (m *Monitor) InstrumentAI(ai AIClient) *InstrumentedAI {
	return &InstrumentedAI{next: ai, monitor: m}
}

// Invoke calls the wrapped client and records latency and failure.
func (c *InstrumentedAI) Invoke(ctx context.Context, p models.Prompt) (string, error) {
	start := c.monitor.opts.Now()
	out, err := c.next.Invoke(ctx, p)
	c.monitor.RecordAI(c.monitor.opts.Now().Sub(start), err)
	return out, err
}

// Embed calls the wrapped client and records latency and failure.
func (c *InstrumentedAI) Embed(ctx context.Context, text string) ([]float32, error) {
	start := c.monitor.opts.Now()
	out, err := c.next.Embed(ctx, text)
	c.monitor.RecordAI(c.monitor.opts.Now().Sub(start), err)
	return out, err
}
