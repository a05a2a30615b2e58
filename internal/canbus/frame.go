// Package canbus implements the raw CAN frame transport: an 11-bit-identifier,
// 8-byte-payload link with open/close/send semantics, a single outbound
// queue, and an auto-reconnecting Link state machine. It knows nothing about
// application message content — that belongs to internal/protocol.
package canbus

import "fmt"

// MaxPayload is the maximum number of data bytes a classic CAN frame carries.
const MaxPayload = 8

// Frame is a single CAN frame: an 11-bit identifier and up to 8 payload
// bytes, modeled on the Frame/BufferTxFrame shapes common to CAN gateway
// code (cf. a CANopen bus manager's BufferTxFrame/BufferRxFrame split).
type Frame struct {
	ID   uint16
	Data [MaxPayload]byte
	Len  uint8
}

// NewFrame builds a Frame from an identifier and payload, rejecting payloads
// longer than MaxPayload per the Frame invariant in spec §3.
func NewFrame(id uint16, payload ...byte) (Frame, error) {
	var f Frame
	if len(payload) > MaxPayload {
		return f, fmt.Errorf("canbus: payload length %d exceeds max %d", len(payload), MaxPayload)
	}
	f.ID = id
	f.Len = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the frame's data bytes, trimmed to Len.
func (f Frame) Payload() []byte {
	return f.Data[:f.Len]
}

func (f Frame) String() string {
	return fmt.Sprintf("can_id=%#03x len=%d data=% x", f.ID, f.Len, f.Payload())
}
