package hub

import (
	"time"

	"sharefast_relay/internal/relay"
)

// MaxBufferSize is how many messages are held for a recipient that is not
// reachable. Pushing past it drops the oldest entry.
const MaxBufferSize = 10

// envelope is one outbound websocket message. data is exactly what goes on
// the wire: a binary frame, or the JSON text of a cursor or control message.
type envelope struct {
	kind   relay.MessageType // empty for control replies
	wsType int
	data   []byte
	at     time.Time
}

// PeerBuffer is a fixed-size FIFO ring. Not safe for concurrent use; the hub
// guards every buffer with its mutex.
type PeerBuffer struct {
	items [MaxBufferSize]envelope
	head  int
	n     int
}

// Push appends e and reports whether the oldest entry had to be evicted.
func (b *PeerBuffer) Push(e envelope) bool {
	if b.n == MaxBufferSize {
		b.items[b.head] = e
		b.head = (b.head + 1) % MaxBufferSize
		return true
	}
	b.items[(b.head+b.n)%MaxBufferSize] = e
	b.n++
	return false
}

func (b *PeerBuffer) Len() int {
	return b.n
}

func (b *PeerBuffer) peek() envelope {
	return b.items[b.head]
}

func (b *PeerBuffer) pop() envelope {
	e := b.items[b.head]
	b.items[b.head] = envelope{}
	b.head = (b.head + 1) % MaxBufferSize
	b.n--
	return e
}

// Drain empties the buffer, oldest first.
func (b *PeerBuffer) Drain() []envelope {
	out := make([]envelope, 0, b.n)
	for b.n > 0 {
		out = append(out, b.pop())
	}
	b.head = 0
	return out
}
