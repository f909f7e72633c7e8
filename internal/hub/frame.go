package hub

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sharefast_relay/internal/relay"
)

// Binary push frames are [type:1][length:4 big-endian][payload:length].
const HeaderSize = 5

// FrameType is the one-byte tag at the start of a binary frame.
type FrameType byte

const (
	FrameVideo  FrameType = 0x01
	FrameInput  FrameType = 0x02
	FrameCursor FrameType = 0x04
)

var (
	ErrShortFrame       = errors.New("frame shorter than header")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrLengthMismatch   = errors.New("frame length does not match payload")
)

func (t FrameType) MessageType() (relay.MessageType, bool) {
	switch t {
	case FrameVideo:
		return relay.Frame, true
	case FrameInput:
		return relay.Input, true
	case FrameCursor:
		return relay.Cursor, true
	}
	return "", false
}

func FrameTypeOf(mt relay.MessageType) (FrameType, bool) {
	switch mt {
	case relay.Frame:
		return FrameVideo, true
	case relay.Input:
		return FrameInput, true
	case relay.Cursor:
		return FrameCursor, true
	}
	return 0, false
}

type Frame struct {
	Type    FrameType
	Payload []byte
}

// DecodeFrame validates b once and returns a Frame whose payload aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	t := FrameType(b[0])
	if _, ok := t.MessageType(); !ok {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, b[0])
	}
	n := binary.BigEndian.Uint32(b[1:HeaderSize])
	if uint64(n) != uint64(len(b)-HeaderSize) {
		return Frame{}, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, n, len(b)-HeaderSize)
	}
	return Frame{Type: t, Payload: b[HeaderSize:]}, nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, t FrameType, payload []byte) []byte {
	dst = append(dst, byte(t))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func EncodeFrame(t FrameType, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), t, payload)
}
