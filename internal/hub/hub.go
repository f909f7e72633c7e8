// Package hub is the push relay: it owns live websocket participants, links
// each one to its peer, and forwards or buffers frame, input and cursor
// traffic between them.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sharefast_relay/internal/errs"
	"sharefast_relay/internal/metrics"
	"sharefast_relay/internal/relay"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

const backendName = "push"

const (
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultPongWait          = 60 * time.Second
	DefaultResolveTimeout    = 5 * time.Second
)

type Config struct {
	KeepaliveInterval time.Duration
	PongWait          time.Duration
	ResolveTimeout    time.Duration
}

type resolution struct {
	p      *Participant
	peerID string
	err    error
}

// Hub keeps the live-connection table, the peer index and the per-recipient
// buffers behind one mutex so a link or unlink is always applied to both
// sides at once.
type Hub struct {
	ctx   context.Context
	peers relay.PeerResolver
	clock clock.Clock
	cfg   Config

	register   chan *Participant
	unregister chan *Participant
	resolved   chan resolution

	mu           sync.Mutex
	participants map[string]*Participant
	// peerIndex maps a session id to the participant whose peer it is.
	peerIndex map[string]string
	buffers   map[string]*PeerBuffer
}

var _ relay.Channel = (*Hub)(nil)

func NewHub(ctx context.Context, peers relay.PeerResolver, clk clock.Clock, cfg Config) *Hub {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		ctx:          ctx,
		peers:        peers,
		clock:        clk,
		cfg:          cfg,
		register:     make(chan *Participant),
		unregister:   make(chan *Participant),
		resolved:     make(chan resolution),
		participants: make(map[string]*Participant),
		peerIndex:    make(map[string]string),
		buffers:      make(map[string]*PeerBuffer),
	}
}

func (h *Hub) Run() {
	ticker := h.clock.Ticker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			slog.Info("Hub shutting down")
			return
		case p := <-h.register:
			h.registerParticipant(p)
		case p := <-h.unregister:
			h.unregisterParticipant(p)
		case r := <-h.resolved:
			h.applyResolution(r)
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) Register(p *Participant) {
	select {
	case h.register <- p:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Unregister(p *Participant) {
	select {
	case h.unregister <- p:
	case <-h.ctx.Done():
	}
}

// Attach registers an upgraded connection and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, sessionID, code, mode string) *Participant {
	p := NewParticipant(h, conn, sessionID, code, mode)
	h.Register(p)
	go p.WritePump()
	go p.ReadPump()
	return p
}

func (h *Hub) registerParticipant(p *Participant) {
	h.mu.Lock()
	if old := h.participants[p.id]; old != nil && old != p {
		slog.Info("replacing push connection", "session_id", p.id)
		h.dropLocked(old)
	}
	h.participants[p.id] = p
	p.state = Connecting
	p.resolving = true
	h.enqueueLocked(p, p.controlEnvelope(ConnectedMessage{Type: "connected", SessionID: p.id}))

	// Someone already resolved to us and is waiting.
	if waiterID, ok := h.peerIndex[p.id]; ok {
		if w := h.participants[waiterID]; w != nil && w.peerID == p.id && w.mode != p.mode && w.peer == nil {
			h.linkLocked(w, p)
		}
	}
	n := len(h.participants)
	h.mu.Unlock()

	metrics.LiveConnections.Set(float64(n))
	slog.Info("participant connected", "session_id", p.id, "mode", p.mode, "total_participants", n)
	go h.resolve(p)
}

func (h *Hub) unregisterParticipant(p *Participant) {
	h.mu.Lock()
	if p.closed {
		h.mu.Unlock()
		return
	}
	h.dropLocked(p)
	n := len(h.participants)
	h.mu.Unlock()

	metrics.LiveConnections.Set(float64(n))
	slog.Info("participant disconnected", "session_id", p.id, "total_participants", n)
}

func (h *Hub) resolve(p *Participant) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.ResolveTimeout)
	defer cancel()

	peerID, err := h.peers.Query(ctx, p.id, p.code)
	select {
	case h.resolved <- resolution{p: p, peerID: peerID, err: err}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) applyResolution(r resolution) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := r.p
	p.resolving = false
	if p.closed {
		return
	}
	if r.err != nil {
		slog.Warn("peer resolution failed", "session_id", p.id, "error", r.err)
	}
	if r.err != nil || r.peerID == "" || r.peerID == p.id {
		if p.peer == nil && p.peerID == "" {
			p.state = Unresolved
		}
		return
	}
	if p.peer != nil {
		if p.peer.id == r.peerID {
			return
		}
		h.unlinkLocked(p)
	}

	if p.peerID != "" && p.peerID != r.peerID && h.peerIndex[p.peerID] == p.id {
		delete(h.peerIndex, p.peerID)
	}
	p.peerID = r.peerID
	h.peerIndex[r.peerID] = p.id
	if q := h.participants[r.peerID]; q != nil && q.mode != p.mode {
		h.linkLocked(p, q)
		return
	}

	p.state = Buffering
	for p.pending.Len() > 0 {
		h.bufferLocked(p.peerID, p.pending.pop())
	}
}

func (h *Hub) linkLocked(p, q *Participant) {
	if q.peer != nil && q.peer != p {
		h.unlinkLocked(q)
	}
	for _, x := range []*Participant{p, q} {
		if x.peerID != "" && h.peerIndex[x.peerID] == x.id {
			delete(h.peerIndex, x.peerID)
		}
	}
	p.peer, q.peer = q, p
	p.peerID, q.peerID = q.id, p.id
	p.state, q.state = Linked, Linked
	h.peerIndex[q.id] = p.id
	h.peerIndex[p.id] = q.id

	h.flushLocked(p)
	h.flushLocked(q)
	for p.pending.Len() > 0 {
		_ = h.deliverLocked(q, p.pending.pop())
	}
	for q.pending.Len() > 0 {
		_ = h.deliverLocked(p, q.pending.pop())
	}

	metrics.PeerLinksTotal.Inc()
	slog.Info("peers linked", "session_id", p.id, "peer_id", q.id)
}

func (h *Hub) unlinkLocked(p *Participant) {
	q := p.peer
	if q == nil {
		return
	}
	p.peer, q.peer = nil, nil
	p.state, q.state = Buffering, Buffering
	slog.Info("peers unlinked", "session_id", p.id, "peer_id", q.id)
}

// dropLocked removes every trace of p and closes its send queue, which makes
// the write pump close the connection.
func (h *Hub) dropLocked(p *Participant) {
	h.unlinkLocked(p)
	p.closed = true
	p.state = Closed
	if h.participants[p.id] == p {
		delete(h.participants, p.id)
		delete(h.buffers, p.id)
	}
	if p.peerID != "" && h.peerIndex[p.peerID] == p.id {
		delete(h.peerIndex, p.peerID)
	}
	close(p.send)
}

// forward routes one message from p toward its peer. It returns
// errs.ErrPeerTransientlyOffline when the message was buffered instead of
// handed to a live connection and errs.ErrConnectionClosed when p is gone.
func (h *Hub) forward(p *Participant, env envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case p.closed:
		return errs.ErrConnectionClosed
	case p.peer != nil:
		return h.deliverLocked(p.peer, env)
	case p.peerID != "":
		h.bufferLocked(p.peerID, env)
	default:
		if p.pending.Push(env) {
			metrics.TrackRelay(backendName, string(env.kind), metrics.Evicted)
		}
		metrics.TrackRelay(backendName, string(env.kind), metrics.Buffered)
	}
	return errs.ErrPeerTransientlyOffline
}

// deliverLocked hands env to q's writer without blocking. Anything already
// buffered for q goes first so per-sender order holds.
func (h *Hub) deliverLocked(q *Participant, env envelope) error {
	if q.closed {
		h.bufferLocked(q.id, env)
		return errs.ErrPeerTransientlyOffline
	}
	if buf := h.buffers[q.id]; buf != nil && buf.Len() > 0 {
		h.bufferLocked(q.id, env)
		h.flushLocked(q)
		return nil
	}
	select {
	case q.send <- env:
		metrics.TrackRelay(backendName, string(env.kind), metrics.Forwarded)
		return nil
	default:
		h.bufferLocked(q.id, env)
		return errs.ErrPeerTransientlyOffline
	}
}

func (h *Hub) bufferLocked(recipient string, env envelope) {
	buf := h.buffers[recipient]
	if buf == nil {
		buf = &PeerBuffer{}
		h.buffers[recipient] = buf
	}
	if buf.Push(env) {
		metrics.TrackRelay(backendName, string(env.kind), metrics.Evicted)
	}
	metrics.TrackRelay(backendName, string(env.kind), metrics.Buffered)
}

func (h *Hub) flushLocked(q *Participant) {
	buf := h.buffers[q.id]
	if buf == nil || q.closed {
		return
	}
	for buf.Len() > 0 {
		select {
		case q.send <- buf.peek():
			e := buf.pop()
			metrics.TrackRelay(backendName, string(e.kind), metrics.Forwarded)
		default:
			return
		}
	}
	delete(h.buffers, q.id)
}

func (h *Hub) flush(p *Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked(p)
}

// enqueueLocked queues a control reply for p. Replies are never buffered.
func (h *Hub) enqueueLocked(p *Participant, env envelope) {
	if p.closed {
		return
	}
	select {
	case p.send <- env:
	default:
		slog.Debug("dropping control reply, send queue full", "session_id", p.id)
	}
}

func (h *Hub) enqueue(p *Participant, env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(p, env)
}

func (h *Hub) peerKnown(p *Participant) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return p.peerID != ""
}

// tick pings every participant, closes the ones that stopped answering,
// retries resolution for the ones without a live peer and retries flushes
// that found a full send queue.
func (h *Hub) tick() {
	now := h.clock.Now().UnixMilli()
	idleLimit := h.cfg.PongWait.Milliseconds()

	h.mu.Lock()
	live := make([]*Participant, 0, len(h.participants))
	var stale, unresolved []*Participant
	for _, p := range h.participants {
		if now-p.lastSeen.Load() > idleLimit {
			stale = append(stale, p)
			continue
		}
		live = append(live, p)
		if p.peer == nil && !p.resolving {
			p.resolving = true
			unresolved = append(unresolved, p)
		}
		h.flushLocked(p)
	}
	h.mu.Unlock()

	for _, p := range stale {
		slog.Info("closing idle participant", "session_id", p.id)
		_ = p.conn.Close()
	}
	for _, p := range live {
		p.ping()
	}
	for _, p := range unresolved {
		go h.resolve(p)
	}
}

// StateOf reports the state of a live participant, or Closed.
func (h *Hub) StateOf(sessionID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := h.participants[sessionID]; p != nil {
		return p.state
	}
	return Closed
}

type Stats struct {
	Participants       int `json:"participants"`
	Linked             int `json:"linked"`
	BufferedRecipients int `json:"buffered_recipients"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Participants: len(h.participants), BufferedRecipients: len(h.buffers)}
	for _, p := range h.participants {
		if p.state == Linked {
			s.Linked++
		}
	}
	return s
}

// Send buffers or forwards a payload for callers that are not push
// participants themselves.
func (h *Hub) Send(ctx context.Context, sessionID, code string, t relay.MessageType, payload []byte) error {
	ft, ok := FrameTypeOf(t)
	if !ok {
		_, err := relay.ParseMessageType(string(t))
		return err
	}

	h.mu.Lock()
	var peerID string
	if p := h.participants[sessionID]; p != nil {
		peerID = p.peerID
	}
	h.mu.Unlock()

	if peerID == "" {
		var err error
		if peerID, err = h.peers.Query(ctx, sessionID, code); err != nil {
			return err
		}
		if peerID == "" {
			return errs.ErrNoPeer
		}
	}

	env := envelope{kind: t, wsType: websocket.BinaryMessage, data: EncodeFrame(ft, payload), at: h.clock.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if q := h.participants[peerID]; q != nil {
		// Buffering for a busy or absent reader still counts as sent.
		_ = h.deliverLocked(q, env)
	} else {
		h.bufferLocked(peerID, env)
	}
	return nil
}

// Receive drains what is buffered for sessionID.
func (h *Hub) Receive(_ context.Context, sessionID, _ string) ([]relay.Message, error) {
	h.mu.Lock()
	buf := h.buffers[sessionID]
	delete(h.buffers, sessionID)
	h.mu.Unlock()

	if buf == nil {
		return []relay.Message{}, nil
	}
	items := buf.Drain()
	msgs := make([]relay.Message, 0, len(items))
	for _, e := range items {
		payload := e.data
		if e.wsType == websocket.BinaryMessage {
			if f, err := DecodeFrame(e.data); err == nil {
				payload = f.Payload
			}
		}
		msgs = append(msgs, relay.Message{Type: e.kind, Payload: payload, Timestamp: e.at})
		metrics.TrackRelay(backendName, string(e.kind), metrics.Delivered)
	}
	return msgs, nil
}

// Purge drops buffers held for sessionIDs and closes their live connections.
func (h *Hub) Purge(_ context.Context, sessionIDs ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range sessionIDs {
		delete(h.buffers, id)
		if p := h.participants[id]; p != nil {
			h.dropLocked(p)
		}
	}
	metrics.LiveConnections.Set(float64(len(h.participants)))
	return nil
}
