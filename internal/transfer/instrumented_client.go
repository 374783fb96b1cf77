package transfer

import (
	"context"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/telemetry"
)

// InstrumentedClient wraps a Client with telemetry. Optional capabilities of the wrapped
// client (Session, Preparer, Resumer) are forwarded.
type InstrumentedClient struct {
	client    Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// Unwrap returns the wrapped client.
func (c *InstrumentedClient) Unwrap() Client {
	return c.client
}

func (c *InstrumentedClient) Protocol() Protocol {
	return c.client.Protocol()
}

// Fetch fetches a task with telemetry.
func (c *InstrumentedClient) Fetch(ctx context.Context, task *Task, sink progress.Sink) (Stats, error) {
	var stats Stats

	protocol := c.client.Protocol().String()

	err := c.telemetry.InstrumentFetch(ctx, protocol, func(ctx context.Context) error {
		var err error

		stats, err = c.client.Fetch(ctx, task, sink)

		return err
	})

	c.telemetry.RecordBytes(ctx, protocol, stats.Bytes)

	if stats.Attempts > 1 {
		c.telemetry.RecordRetries(ctx, protocol, int64(stats.Attempts-1))
	}

	return stats, err
}

// Prepare forwards to the wrapped client when it needs preparation.
func (c *InstrumentedClient) Prepare(ctx context.Context) error {
	p, ok := c.client.(Preparer)
	if !ok {
		return nil
	}

	return c.telemetry.InstrumentOperation(ctx, "prepare_"+c.client.Protocol().String(), "driver", p.Prepare)
}

// Resumable forwards to the wrapped client.
func (c *InstrumentedClient) Resumable() bool {
	return IsResumable(c.client)
}

// IsSession reports whether the wrapped client keeps a connection across tasks.
func (c *InstrumentedClient) IsSession() bool {
	_, ok := c.client.(Session)
	return ok
}

// Close closes the wrapped client if it is a Session.
func (c *InstrumentedClient) Close() error {
	if s, ok := c.client.(Session); ok {
		return s.Close()
	}

	return nil
}
