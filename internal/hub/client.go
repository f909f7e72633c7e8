package hub

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"sharefast_relay/internal/errs"
	"sharefast_relay/internal/metrics"
	"sharefast_relay/internal/relay"

	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	maxMessageLen = 16 << 20

	// Binary messages shorter than this that look like JSON are treated as
	// text; some clients send cursor updates on the wrong frame type.
	textShimLimit = 100
)

type State int

const (
	Connecting State = iota
	Unresolved
	Buffering
	Linked
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Unresolved:
		return "unresolved"
	case Buffering:
		return "buffering"
	case Linked:
		return "linked"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Participant is one live push connection. The guarded fields are owned by
// the hub and only touched with hub.mu held.
type Participant struct {
	hub  *Hub
	conn *websocket.Conn
	send chan envelope

	id   string
	code string
	mode string

	lastSeen atomic.Int64

	// guarded by hub.mu
	state   State
	peerID  string
	peer    *Participant
	pending PeerBuffer // sent before the peer id was known
	closed  bool
	// a directory lookup is in flight
	resolving bool
}

func NewParticipant(h *Hub, conn *websocket.Conn, sessionID, code, mode string) *Participant {
	p := &Participant{
		hub:  h,
		conn: conn,
		send: make(chan envelope, sendQueueSize),
		id:   sessionID,
		code: code,
		mode: mode,
	}
	p.lastSeen.Store(h.clock.Now().UnixMilli())
	return p
}

func (p *Participant) ID() string {
	return p.id
}

func (p *Participant) touch() {
	p.lastSeen.Store(p.hub.clock.Now().UnixMilli())
	_ = p.conn.SetReadDeadline(time.Now().Add(p.hub.cfg.PongWait))
}

// ReadPump decodes inbound messages until the connection fails or the hub
// shuts down, then unregisters the participant.
func (p *Participant) ReadPump() {
	defer func() {
		p.hub.Unregister(p)
		if err := p.conn.Close(); err != nil {
			slog.Debug("failed to close websocket connection", "error", err)
		}
	}()

	p.conn.SetReadLimit(maxMessageLen)
	p.conn.SetPongHandler(func(string) error {
		p.touch()
		return nil
	})
	p.touch()

	for {
		wsType, data, err := p.conn.ReadMessage()
		if err != nil {
			if p.hub.ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error", "session_id", p.id, "error", err)
			}
			return
		}
		p.touch()

		switch wsType {
		case websocket.BinaryMessage:
			if looksLikeText(data) {
				p.handleText(data)
				continue
			}
			p.handleBinary(data)
		case websocket.TextMessage:
			p.handleText(data)
		}
	}
}

func looksLikeText(data []byte) bool {
	return len(data) > 0 && len(data) < textShimLimit && data[0] == '{' && utf8.Valid(data)
}

func (p *Participant) handleBinary(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		slog.Debug("dropping malformed frame", "session_id", p.id, "error", err)
		metrics.TrackRelay(backendName, "unknown", metrics.Dropped)
		return
	}
	mt, _ := frame.Type.MessageType()
	p.forward(envelope{kind: mt, wsType: websocket.BinaryMessage, data: data, at: p.hub.clock.Now()})
}

// forward passes env to the hub and logs why it was not delivered live.
func (p *Participant) forward(env envelope) error {
	err := p.hub.forward(p, env)
	switch {
	case errors.Is(err, errs.ErrPeerTransientlyOffline):
		slog.Debug("peer offline, message buffered", "session_id", p.id, "type", env.kind)
	case err != nil:
		slog.Debug("message not forwarded", "session_id", p.id, "type", env.kind, "error", err)
	}
	return err
}

func (p *Participant) handleText(data []byte) {
	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("dropping unparseable text message", "session_id", p.id, "error", err)
		return
	}

	switch msg.Type {
	case "cursor":
		p.forward(envelope{
			kind:   relay.Cursor,
			wsType: websocket.TextMessage,
			data:   data,
			at:     p.hub.clock.Now(),
		})
	case "send_frame", "send_input":
		if !p.hub.peerKnown(p) {
			p.reply(ErrorMessage{Type: "error", Message: "Peer not connected yet"})
			return
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			p.reply(ErrorMessage{Type: "error", Message: "Invalid base64 data"})
			return
		}
		ft, mt := FrameVideo, relay.Frame
		if msg.Type == "send_input" {
			ft, mt = FrameInput, relay.Input
		}
		err = p.forward(envelope{kind: mt, wsType: websocket.BinaryMessage, data: EncodeFrame(ft, payload), at: p.hub.clock.Now()})
		if errors.Is(err, errs.ErrConnectionClosed) {
			return
		}
		p.reply(AckMessage{Type: "ack", Success: true})
	default:
		slog.Debug("ignoring text message", "session_id", p.id, "type", msg.Type)
	}
}

func (p *Participant) reply(v any) {
	p.hub.enqueue(p, p.controlEnvelope(v))
}

func (p *Participant) controlEnvelope(v any) envelope {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal reply", "error", err)
		data = []byte(`{"type":"error","message":"internal error"}`)
	}
	return envelope{wsType: websocket.TextMessage, data: data, at: p.hub.clock.Now()}
}

// WritePump is the only writer of data frames on the connection. Pings go
// through WriteControl, which gorilla allows concurrently.
func (p *Participant) WritePump() {
	defer func() {
		if err := p.conn.Close(); err != nil {
			slog.Debug("failed to close websocket connection", "error", err)
		}
	}()

	for {
		select {
		case <-p.hub.ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case env, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(env.wsType, env.data); err != nil {
				slog.Debug("websocket write failed", "session_id", p.id, "error", err)
				return
			}
			if len(p.send) == 0 {
				p.hub.flush(p)
			}
		}
	}
}

func (p *Participant) ping() {
	err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	if err != nil {
		slog.Debug("keepalive ping failed", "session_id", p.id, "error", err)
	}
}
