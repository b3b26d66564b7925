package holepunch

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Signaling messages are exchanged through the relay's datagram channel,
// framed with a 4-byte big-endian length prefix so several can share one
// buffer.
const (
	// MaxSignalSize bounds a single signaling message.
	MaxSignalSize = 65536

	signalHeaderLen = 4
)

var (
	// ErrSignalIncomplete means the buffer ends mid-message; wait for more.
	ErrSignalIncomplete = errors.New("incomplete signaling message")

	// ErrSignalTooLarge means the length prefix exceeds MaxSignalSize.
	ErrSignalTooLarge = errors.New("signaling message too large")

	// ErrSessionMismatch is returned for a message from another session.
	ErrSessionMismatch = errors.New("signaling session id mismatch")
)

// MessageType discriminates signaling messages.
type MessageType string

const (
	// MessageOffer carries the initiating Agent's candidates to the Connector.
	MessageOffer MessageType = "offer"
	// MessageAnswer carries the Connector's candidates back.
	MessageAnswer MessageType = "answer"
	// MessageStart tells both sides to begin connectivity checks after a
	// shared delay, so the first probes cross inside the NAT bindings.
	MessageStart MessageType = "start"
	// MessageResult reports whether a direct path was established.
	MessageResult MessageType = "result"
	// MessageError reports a signaling failure.
	MessageError MessageType = "error"
)

// Signaling error codes.
type ErrorCode uint8

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeServiceNotFound
	ErrCodeNoConnector
	ErrCodeSessionNotFound
	ErrCodeSessionTimeout
	ErrCodeInvalidMessage
	ErrCodePeerRejected
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeServiceNotFound:
		return "service not found"
	case ErrCodeNoConnector:
		return "no connector available"
	case ErrCodeSessionNotFound:
		return "session not found"
	case ErrCodeSessionTimeout:
		return "session timed out"
	case ErrCodeInvalidMessage:
		return "invalid message"
	case ErrCodePeerRejected:
		return "peer rejected"
	default:
		return "unknown error"
	}
}

// Message is one signaling exchange step. Fields beyond Type and SessionID
// are populated per message type.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`

	// Offer only.
	ServiceID string `json:"service_id,omitempty"`

	// Offer, answer and start.
	Candidates []Candidate `json:"candidates,omitempty"`

	// Start only.
	StartDelayMS uint64 `json:"start_delay_ms,omitempty"`

	// Result only.
	Success     bool           `json:"success,omitempty"`
	WorkingAddr netip.AddrPort `json:"working_addr,omitempty"`

	// Error only.
	Code   ErrorCode `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// NewSessionID mints a fresh session correlation id.
func NewSessionID() string {
	return uuid.NewString()
}

// ErrorMessage builds an error reply for a session (empty if unknown).
func ErrorMessage(sessionID string, code ErrorCode, reason string) *Message {
	return &Message{Type: MessageError, SessionID: sessionID, Code: code, Reason: reason}
}

// EncodeMessage frames a message as [len:u32 BE][json].
func EncodeMessage(m *Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding signaling message: %w", err)
	}
	if len(payload) > MaxSignalSize {
		return nil, ErrSignalTooLarge
	}

	buf := make([]byte, signalHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:signalHeaderLen], uint32(len(payload)))
	copy(buf[signalHeaderLen:], payload)
	return buf, nil
}

// DecodeMessage parses one framed message, returning it and the number of
// bytes consumed so callers can walk a buffer of several.
func DecodeMessage(buf []byte) (*Message, int, error) {
	if len(buf) < signalHeaderLen {
		return nil, 0, ErrSignalIncomplete
	}
	length := int(binary.BigEndian.Uint32(buf[:signalHeaderLen]))
	if length > MaxSignalSize {
		return nil, 0, ErrSignalTooLarge
	}
	total := signalHeaderLen + length
	if len(buf) < total {
		return nil, 0, ErrSignalIncomplete
	}

	var m Message
	if err := json.Unmarshal(buf[signalHeaderLen:total], &m); err != nil {
		return nil, 0, fmt.Errorf("decoding signaling message: %w", err)
	}
	return &m, total, nil
}

// DecodeMessages parses every complete message in buf and returns the
// unconsumed tail. A malformed message stops the walk.
func DecodeMessages(buf []byte) ([]*Message, []byte) {
	var msgs []*Message
	for len(buf) > 0 {
		m, consumed, err := DecodeMessage(buf)
		if err != nil {
			break
		}
		msgs = append(msgs, m)
		buf = buf[consumed:]
	}
	return msgs, buf
}
