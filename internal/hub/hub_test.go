package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sharefast_relay/internal/errs"
	"sharefast_relay/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	clientID = "session_client"
	adminID  = "session_admin"
)

type peerTable struct {
	mu sync.Mutex
	m  map[string]string
}

func (t *peerTable) Query(_ context.Context, sessionID, _ string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[sessionID], nil
}

func (t *peerTable) pair(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[a] = b
	t.m[b] = a
}

func (t *peerTable) set(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[from] = to
}

func newTestHub(t *testing.T) (*Hub, *peerTable, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	peers := &peerTable{m: make(map[string]string)}
	h := NewHub(ctx, peers, nil, Config{KeepaliveInterval: 50 * time.Millisecond, PongWait: 5 * time.Second})
	go h.Run()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		h.Attach(conn, q.Get("session_id"), q.Get("code"), q.Get("mode"))
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, peers, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, sessionID, mode string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?session_id=%s&code=happy-cloud&mode=%s", url, sessionID, mode), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello ConnectedMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, sessionID, hello.SessionID)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	wsType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return wsType, data
}

func waitState(t *testing.T, h *Hub, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.StateOf(id) == want },
		2*time.Second, 5*time.Millisecond, "%s never reached %s", id, want)
}

func lastBuffered(h *Hub, recipient string) (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.buffers[recipient]
	if buf == nil || buf.Len() == 0 {
		return 0, ""
	}
	last := buf.items[(buf.head+buf.n-1)%MaxBufferSize]
	f, err := DecodeFrame(last.data)
	if err != nil {
		return buf.Len(), ""
	}
	return buf.Len(), string(f.Payload)
}

func TestHub_ForwardsInOrderWhenLinked(t *testing.T) {
	h, peers, url := newTestHub(t)
	peers.pair(clientID, adminID)

	client := dial(t, url, clientID, "client")
	admin := dial(t, url, adminID, "admin")
	waitState(t, h, clientID, Linked)
	waitState(t, h, adminID, Linked)

	for i := range 20 {
		require.NoError(t, admin.WriteMessage(websocket.BinaryMessage, EncodeFrame(FrameInput, []byte(fmt.Sprint(i)))))
	}
	for i := range 20 {
		wsType, data := read(t, client)
		require.Equal(t, websocket.BinaryMessage, wsType)
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, FrameInput, f.Type)
		assert.Equal(t, fmt.Sprint(i), string(f.Payload))
	}
}

func TestHub_BuffersForOfflinePeerDropOldest(t *testing.T) {
	h, peers, url := newTestHub(t)
	peers.pair(clientID, adminID)

	client := dial(t, url, clientID, "client")
	waitState(t, h, clientID, Buffering)

	for i := range 15 {
		require.NoError(t, client.WriteMessage(websocket.BinaryMessage, EncodeFrame(FrameVideo, []byte(fmt.Sprint(i)))))
	}
	require.Eventually(t, func() bool {
		n, last := lastBuffered(h, adminID)
		return n == MaxBufferSize && last == "14"
	}, 2*time.Second, 5*time.Millisecond)

	admin := dial(t, url, adminID, "admin")
	for i := 5; i < 15; i++ {
		_, data := read(t, admin)
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(f.Payload))
	}
	waitState(t, h, adminID, Linked)
}

func TestHub_PendingUntilPeerResolves(t *testing.T) {
	h, peers, url := newTestHub(t)

	client := dial(t, url, clientID, "client")
	waitState(t, h, clientID, Unresolved)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, EncodeFrame(FrameVideo, []byte("early"))))

	peers.pair(clientID, adminID)
	admin := dial(t, url, adminID, "admin")

	_, data := read(t, admin)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "early", string(f.Payload))
	waitState(t, h, clientID, Linked)
}

func TestHub_JSONSendFrame(t *testing.T) {
	h, peers, url := newTestHub(t)

	lonely := dial(t, url, "session_lonely", "client")
	waitState(t, h, "session_lonely", Unresolved)
	require.NoError(t, lonely.WriteJSON(map[string]string{"type": "send_input", "data": "aGk="}))
	var reply ErrorMessage
	require.NoError(t, lonely.ReadJSON(&reply))
	assert.Equal(t, ErrorMessage{Type: "error", Message: "Peer not connected yet"}, reply)

	peers.pair(clientID, adminID)
	client := dial(t, url, clientID, "client")
	admin := dial(t, url, adminID, "admin")
	waitState(t, h, clientID, Linked)

	require.NoError(t, client.WriteJSON(map[string]string{
		"type": "send_frame",
		"data": base64.StdEncoding.EncodeToString([]byte("hi")),
	}))

	_, ackData := read(t, client)
	var ack AckMessage
	require.NoError(t, json.Unmarshal(ackData, &ack))
	assert.Equal(t, AckMessage{Type: "ack", Success: true}, ack)

	wsType, data := read(t, admin)
	assert.Equal(t, websocket.BinaryMessage, wsType)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 2, 'h', 'i'}, data)
}

func TestHub_CursorTextAndBinaryShim(t *testing.T) {
	h, peers, url := newTestHub(t)
	peers.pair(clientID, adminID)

	client := dial(t, url, clientID, "client")
	admin := dial(t, url, adminID, "admin")
	waitState(t, h, adminID, Linked)

	cursor := []byte(`{"type":"cursor","x":10,"y":20}`)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, cursor))
	wsType, data := read(t, admin)
	assert.Equal(t, websocket.TextMessage, wsType)
	assert.JSONEq(t, string(cursor), string(data))

	shim := []byte(`{"type":"cursor","x":11,"y":21}`)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, shim))
	wsType, data = read(t, admin)
	assert.Equal(t, websocket.TextMessage, wsType)
	assert.JSONEq(t, string(shim), string(data))
}

func TestHub_PeerDisconnectRevertsToBuffering(t *testing.T) {
	h, peers, url := newTestHub(t)
	peers.pair(clientID, adminID)

	dial(t, url, clientID, "client")
	admin := dial(t, url, adminID, "admin")
	waitState(t, h, clientID, Linked)

	require.NoError(t, admin.Close())
	waitState(t, h, adminID, Closed)
	waitState(t, h, clientID, Buffering)

	// The admin comes back and is linked again.
	dial(t, url, adminID, "admin")
	waitState(t, h, clientID, Linked)
}

func TestHub_ReplacesConnectionWithSameID(t *testing.T) {
	h, _, url := newTestHub(t)

	first := dial(t, url, clientID, "client")
	dial(t, url, clientID, "client")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, h.Stats().Participants)
}

func TestHub_ChannelContract(t *testing.T) {
	h, peers, _ := newTestHub(t)
	ctx := context.Background()
	peers.set("session_http", adminID)

	err := h.Send(ctx, "session_nobody", "happy-cloud", relay.Frame, []byte("x"))
	assert.ErrorIs(t, err, errs.ErrNoPeer)

	err = h.Send(ctx, "session_http", "happy-cloud", "audio", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrMessageTypeInvalid)

	for i := range 12 {
		require.NoError(t, h.Send(ctx, "session_http", "happy-cloud", relay.Input, []byte(fmt.Sprint(i))))
	}
	msgs, err := h.Receive(ctx, adminID, "happy-cloud")
	require.NoError(t, err)
	require.Len(t, msgs, MaxBufferSize)
	assert.Equal(t, "2", string(msgs[0].Payload))
	assert.Equal(t, relay.Input, msgs[0].Type)

	msgs, err = h.Receive(ctx, adminID, "happy-cloud")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, h.Send(ctx, "session_http", "happy-cloud", relay.Frame, []byte("f")))
	require.NoError(t, h.Purge(ctx, adminID))
	msgs, err = h.Receive(ctx, adminID, "happy-cloud")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func newDetached(h *Hub, id, mode string, queue int) *Participant {
	return &Participant{hub: h, id: id, mode: mode, send: make(chan envelope, queue)}
}

func TestHub_ForwardReportsOutcome(t *testing.T) {
	h := NewHub(context.Background(), &peerTable{m: make(map[string]string)}, nil, Config{})
	sender := newDetached(h, clientID, "client", 2)
	receiver := newDetached(h, adminID, "admin", 2)
	env := envelope{kind: relay.Frame, wsType: websocket.BinaryMessage, data: EncodeFrame(FrameVideo, []byte("x"))}

	assert.ErrorIs(t, h.forward(sender, env), errs.ErrPeerTransientlyOffline, "no peer known yet")

	h.mu.Lock()
	h.participants[clientID], h.participants[adminID] = sender, receiver
	h.linkLocked(sender, receiver)
	h.mu.Unlock()
	require.Len(t, receiver.send, 1, "pending message flushed on link")

	assert.NoError(t, h.forward(sender, env))
	assert.ErrorIs(t, h.forward(sender, env), errs.ErrPeerTransientlyOffline, "full queue buffers")
	n, _ := lastBuffered(h, adminID)
	assert.Equal(t, 1, n)

	h.mu.Lock()
	sender.closed = true
	h.mu.Unlock()
	assert.ErrorIs(t, h.forward(sender, env), errs.ErrConnectionClosed)
}

func TestHub_RepointDropsStalePeerIndex(t *testing.T) {
	h := NewHub(context.Background(), &peerTable{m: make(map[string]string)}, nil, Config{})
	p := newDetached(h, clientID, "client", 1)
	h.participants[clientID] = p

	h.applyResolution(resolution{p: p, peerID: "session_old"})
	assert.Equal(t, Buffering, p.state)
	assert.Equal(t, clientID, h.peerIndex["session_old"])

	h.applyResolution(resolution{p: p, peerID: "session_new"})
	assert.NotContains(t, h.peerIndex, "session_old")
	assert.Equal(t, clientID, h.peerIndex["session_new"])
	assert.Len(t, h.peerIndex, 1)
}
