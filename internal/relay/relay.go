// Package relay moves frame, input and cursor payloads from a session to its
// current peer. Three backends share the Channel contract: PollChannel keeps
// rows in the durable store, HybridChannel appends to per-recipient log files,
// and the push engine in internal/hub holds them in memory.
package relay

import (
	"context"
	"fmt"
	"time"

	"sharefast_relay/internal/errs"
)

// BatchSize bounds how many messages one Receive returns from the poll backend.
const BatchSize = 10

type MessageType string

const (
	Frame  MessageType = "frame"
	Input  MessageType = "input"
	Cursor MessageType = "cursor"
)

func (t MessageType) Valid() bool {
	switch t {
	case Frame, Input, Cursor:
		return true
	}
	return false
}

func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", errs.ErrMessageTypeInvalid, s)
	}
	return t, nil
}

type Message struct {
	Type      MessageType
	Payload   []byte
	Timestamp time.Time
}

// PeerResolver answers who the current peer of a session is. An empty id
// means no peer is known yet.
type PeerResolver interface {
	Query(ctx context.Context, sessionID, code string) (string, error)
}

// Channel is the contract every relay backend satisfies. Send fails with
// errs.ErrNoPeer when the sender has no resolvable peer; the message is
// dropped. Receive never blocks and returns an empty slice when there is
// nothing to deliver. Purge discards whatever is held for the given
// recipients.
type Channel interface {
	Send(ctx context.Context, sessionID, code string, t MessageType, payload []byte) error
	Receive(ctx context.Context, sessionID, code string) ([]Message, error)
	Purge(ctx context.Context, sessionIDs ...string) error
}

func resolvePeer(ctx context.Context, peers PeerResolver, sessionID, code string) (string, error) {
	peer, err := peers.Query(ctx, sessionID, code)
	if err != nil {
		return "", err
	}
	if peer == "" {
		return "", errs.ErrNoPeer
	}
	return peer, nil
}
