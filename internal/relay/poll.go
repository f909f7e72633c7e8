package relay

import (
	"context"
	"time"

	"sharefast_relay/internal/database"

	"github.com/benbjohnson/clock"
)

// PollChannel stores each message as a durable row addressed to the peer.
// Receive hands out the oldest unread rows in batches and marks them read.
type PollChannel struct {
	store *database.Store
	peers PeerResolver
	clock clock.Clock
	batch int
}

func NewPollChannel(store *database.Store, peers PeerResolver, clk clock.Clock) *PollChannel {
	if clk == nil {
		clk = clock.New()
	}
	return &PollChannel{store: store, peers: peers, clock: clk, batch: BatchSize}
}

func (c *PollChannel) Send(ctx context.Context, sessionID, code string, t MessageType, payload []byte) error {
	if !t.Valid() {
		_, err := ParseMessageType(string(t))
		return err
	}
	peer, err := resolvePeer(ctx, c.peers, sessionID, code)
	if err != nil {
		return err
	}
	return c.store.AppendRelayMessage(ctx, &database.RelayMessage{
		SessionID:   peer,
		MessageType: string(t),
		Payload:     payload,
		CreatedAt:   c.clock.Now().UnixMilli(),
	})
}

func (c *PollChannel) Receive(ctx context.Context, sessionID, _ string) ([]Message, error) {
	rows, err := c.store.DrainUnreadRelayMessages(ctx, sessionID, c.batch, c.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, Message{
			Type:      MessageType(r.MessageType),
			Payload:   r.Payload,
			Timestamp: time.UnixMilli(r.CreatedAt),
		})
	}
	return msgs, nil
}

func (c *PollChannel) Purge(ctx context.Context, sessionIDs ...string) error {
	_, err := c.store.DeleteRelayMessages(ctx, sessionIDs...)
	return err
}

// Evict deletes rows older than maxAge, delivered or not.
func (c *PollChannel) Evict(ctx context.Context, maxAge time.Duration) (int64, error) {
	return c.store.DeleteRelayMessagesBefore(ctx, c.clock.Now().Add(-maxAge).UnixMilli())
}
