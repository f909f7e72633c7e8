// Package signaling stores the small handshake messages two paired sessions
// exchange before and while they stream.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"sharefast_relay/internal/database"
	"sharefast_relay/internal/errs"

	"github.com/benbjohnson/clock"
)

// DefaultRetention is how many signals are kept per recipient.
const DefaultRetention = 100

var signalTypes = map[string]struct{}{
	"offer":               {},
	"answer":              {},
	"ice-candidate":       {},
	"admin_connected":     {},
	"admin_disconnected":  {},
	"client_ready":        {},
	"peer_info":           {},
	"p2p_connect_request": {},
	"p2p_ready":           {},
}

func ValidType(signalType string) bool {
	_, ok := signalTypes[signalType]
	return ok
}

type PeerResolver interface {
	Query(ctx context.Context, sessionID, code string) (string, error)
}

type Signal struct {
	ID        uint
	Type      string
	Code      string
	Data      json.RawMessage
	CreatedAt time.Time
}

type Channel struct {
	store     *database.Store
	peers     PeerResolver
	clock     clock.Clock
	retention int
}

func New(store *database.Store, peers PeerResolver, clk clock.Clock, retention int) *Channel {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Channel{store: store, peers: peers, clock: clk, retention: retention}
}

// Send addresses a signal to the current peer of sessionID.
func (c *Channel) Send(ctx context.Context, sessionID, code, signalType string, data json.RawMessage) error {
	if !ValidType(signalType) {
		return fmt.Errorf("%w: %q", errs.ErrSignalTypeInvalid, signalType)
	}
	peer, err := c.peers.Query(ctx, sessionID, code)
	if err != nil {
		return err
	}
	if peer == "" {
		return errs.ErrNoPeer
	}

	err = c.store.AppendSignal(ctx, &database.Signal{
		SessionID:  peer,
		Code:       code,
		SignalType: signalType,
		Data:       data,
		CreatedAt:  c.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	if _, err := c.store.PruneSignals(ctx, peer, c.retention); err != nil {
		slog.Warn("failed to prune signals", "session_id", peer, "error", err)
	}
	return nil
}

// Poll returns the newest unread signal for sessionID, or nil when there is
// nothing to deliver. Older unread signals are marked read with it and are
// never surfaced.
func (c *Channel) Poll(ctx context.Context, sessionID string) (*Signal, error) {
	row, err := c.store.DrainNewestUnreadSignal(ctx, sessionID, c.clock.Now().UnixMilli())
	if err != nil || row == nil {
		return nil, err
	}
	return &Signal{
		ID:        row.ID,
		Type:      row.SignalType,
		Code:      row.Code,
		Data:      json.RawMessage(row.Data),
		CreatedAt: time.UnixMilli(row.CreatedAt),
	}, nil
}

// Evict deletes signals older than maxAge, read or not.
func (c *Channel) Evict(ctx context.Context, maxAge time.Duration) (int64, error) {
	return c.store.DeleteSignalsBefore(ctx, c.clock.Now().Add(-maxAge).UnixMilli())
}
