package relay

import (
	"context"
	"errors"

	"sharefast_relay/internal/errs"
	"sharefast_relay/internal/metrics"
)

type instrumented struct {
	Channel
	backend string
}

// Instrument counts stored, dropped and delivered payloads for a stateless
// backend. The push engine counts its own.
func Instrument(backend string, ch Channel) Channel {
	return &instrumented{Channel: ch, backend: backend}
}

func (c *instrumented) Send(ctx context.Context, sessionID, code string, t MessageType, payload []byte) error {
	err := c.Channel.Send(ctx, sessionID, code, t, payload)
	switch {
	case err == nil:
		metrics.TrackRelay(c.backend, string(t), metrics.Buffered)
	case errors.Is(err, errs.ErrNoPeer):
		metrics.TrackRelay(c.backend, string(t), metrics.Dropped)
	}
	return err
}

func (c *instrumented) Receive(ctx context.Context, sessionID, code string) ([]Message, error) {
	msgs, err := c.Channel.Receive(ctx, sessionID, code)
	for _, m := range msgs {
		metrics.TrackRelay(c.backend, string(m.Type), metrics.Delivered)
	}
	return msgs, err
}
