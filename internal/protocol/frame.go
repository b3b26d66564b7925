package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrMalformedFrame is returned when a frame is truncated or otherwise
	// fails to decode. Always recoverable: drop the frame.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when an encoded frame would exceed the
	// maximum datagram size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum datagram size")

	// ErrUnknownFrameType is returned for unrecognized frame type tags.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// RoutedDatagram is an application payload addressed to a service id.
// Wire format: [0x2F][svc_len:u8][svc_id][payload].
type RoutedDatagram struct {
	ServiceID string
	Payload   []byte
}

// Encode serializes the routed datagram. The result is always exactly
// 2 + len(ServiceID) + len(Payload) bytes.
func (d *RoutedDatagram) Encode() ([]byte, error) {
	if len(d.ServiceID) == 0 || len(d.ServiceID) > MaxServiceIDLen {
		return nil, fmt.Errorf("%w: service id length %d", ErrMalformedFrame, len(d.ServiceID))
	}

	buf := make([]byte, 2+len(d.ServiceID)+len(d.Payload))
	buf[0] = FrameRoutedDatagram
	buf[1] = uint8(len(d.ServiceID))
	copy(buf[2:], d.ServiceID)
	copy(buf[2+len(d.ServiceID):], d.Payload)

	return buf, nil
}

// AppendEncode appends the encoded frame to dst and returns the extended
// slice. Used on the relay hot path to avoid a fresh allocation per datagram.
func (d *RoutedDatagram) AppendEncode(dst []byte) ([]byte, error) {
	if len(d.ServiceID) == 0 || len(d.ServiceID) > MaxServiceIDLen {
		return dst, fmt.Errorf("%w: service id length %d", ErrMalformedFrame, len(d.ServiceID))
	}

	dst = append(dst, FrameRoutedDatagram, uint8(len(d.ServiceID)))
	dst = append(dst, d.ServiceID...)
	dst = append(dst, d.Payload...)
	return dst, nil
}

// DecodeRoutedDatagram deserializes a routed datagram. The returned payload
// aliases buf; callers that retain it across datagrams must copy.
func DecodeRoutedDatagram(buf []byte) (*RoutedDatagram, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: routed datagram too short", ErrMalformedFrame)
	}
	if buf[0] != FrameRoutedDatagram {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownFrameType, buf[0])
	}

	svcLen := int(buf[1])
	if svcLen == 0 {
		return nil, fmt.Errorf("%w: empty service id", ErrMalformedFrame)
	}
	if len(buf) < 2+svcLen {
		return nil, fmt.Errorf("%w: service id truncated", ErrMalformedFrame)
	}

	return &RoutedDatagram{
		ServiceID: string(buf[2 : 2+svcLen]),
		Payload:   buf[2+svcLen:],
	}, nil
}

// Registration announces a Connector's claim to serve a service id, or an
// Agent's intent to reach one. Wire format: [0x11][svc_len][svc_id].
type Registration struct {
	ServiceID string
}

// Encode serializes the registration frame.
func (r *Registration) Encode() ([]byte, error) {
	if len(r.ServiceID) == 0 || len(r.ServiceID) > MaxServiceIDLen {
		return nil, fmt.Errorf("%w: service id length %d", ErrMalformedFrame, len(r.ServiceID))
	}

	buf := make([]byte, 2+len(r.ServiceID))
	buf[0] = FrameRegister
	buf[1] = uint8(len(r.ServiceID))
	copy(buf[2:], r.ServiceID)
	return buf, nil
}

// DecodeRegistration deserializes a registration frame.
func DecodeRegistration(buf []byte) (*Registration, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: registration too short", ErrMalformedFrame)
	}
	if buf[0] != FrameRegister {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownFrameType, buf[0])
	}

	svcLen := int(buf[1])
	if svcLen == 0 {
		return nil, fmt.Errorf("%w: empty service id", ErrMalformedFrame)
	}
	if len(buf) != 2+svcLen {
		return nil, fmt.Errorf("%w: registration length mismatch", ErrMalformedFrame)
	}

	return &Registration{ServiceID: string(buf[2 : 2+svcLen])}, nil
}

// RegistrationReply is the ACK or NACK answering a registration.
// Wire format: [0x12|0x13][status][svc_len][svc_id].
type RegistrationReply struct {
	Ack       bool
	Status    uint8
	ServiceID string
}

// Encode serializes the ACK/NACK frame.
func (r *RegistrationReply) Encode() ([]byte, error) {
	if len(r.ServiceID) == 0 || len(r.ServiceID) > MaxServiceIDLen {
		return nil, fmt.Errorf("%w: service id length %d", ErrMalformedFrame, len(r.ServiceID))
	}

	tag := FrameRegisterNack
	if r.Ack {
		tag = FrameRegisterAck
	}

	buf := make([]byte, 3+len(r.ServiceID))
	buf[0] = tag
	buf[1] = r.Status
	buf[2] = uint8(len(r.ServiceID))
	copy(buf[3:], r.ServiceID)
	return buf, nil
}

// DecodeRegistrationReply deserializes an ACK or NACK frame.
func DecodeRegistrationReply(buf []byte) (*RegistrationReply, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: registration reply too short", ErrMalformedFrame)
	}
	if buf[0] != FrameRegisterAck && buf[0] != FrameRegisterNack {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownFrameType, buf[0])
	}

	svcLen := int(buf[2])
	if svcLen == 0 {
		return nil, fmt.Errorf("%w: empty service id", ErrMalformedFrame)
	}
	if len(buf) != 3+svcLen {
		return nil, fmt.Errorf("%w: registration reply length mismatch", ErrMalformedFrame)
	}

	return &RegistrationReply{
		Ack:       buf[0] == FrameRegisterAck,
		Status:    buf[1],
		ServiceID: string(buf[3 : 3+svcLen]),
	}, nil
}

// EncodeAddrNotice builds an address-discovery notice for an observed
// IPv4 address. Wire format: [0x01][ip:4][port:2 BE], 7 bytes total.
func EncodeAddrNotice(addr netip.AddrPort) ([]byte, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("%w: address discovery requires IPv4", ErrMalformedFrame)
	}

	buf := make([]byte, AddrNoticeLen)
	buf[0] = FrameAddrNotice
	ip := addr.Addr().As4()
	copy(buf[1:5], ip[:])
	binary.BigEndian.PutUint16(buf[5:7], addr.Port())
	return buf, nil
}

// DecodeAddrNotice parses an address-discovery notice. Payloads shorter than
// the minimum are rejected outright, never partially parsed.
func DecodeAddrNotice(buf []byte) (netip.AddrPort, error) {
	if len(buf) < AddrNoticeLen {
		return netip.AddrPort{}, fmt.Errorf("%w: address notice too short", ErrMalformedFrame)
	}
	if buf[0] != FrameAddrNotice {
		return netip.AddrPort{}, fmt.Errorf("%w: tag 0x%02x", ErrUnknownFrameType, buf[0])
	}

	ip := netip.AddrFrom4([4]byte{buf[1], buf[2], buf[3], buf[4]})
	port := binary.BigEndian.Uint16(buf[5:7])
	return netip.AddrPortFrom(ip, port), nil
}

// EncodeKeepalive builds a keepalive frame carrying an opaque payload
// (typically a timestamp used for RTT measurement).
func EncodeKeepalive(payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = FrameKeepalive
	copy(buf[1:], payload)
	return buf
}

// DecodeKeepalive returns the opaque payload of a keepalive frame. A frame
// lacking the leading magic byte is not a keepalive.
func DecodeKeepalive(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: empty keepalive", ErrMalformedFrame)
	}
	if buf[0] != FrameKeepalive {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownFrameType, buf[0])
	}
	return buf[1:], nil
}

// EncodeSignal wraps a hole-punch signaling payload for relay transport.
func EncodeSignal(payload []byte) ([]byte, error) {
	if 1+len(payload) > MaxDatagramSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = FrameSignal
	copy(buf[1:], payload)
	return buf, nil
}

// DecodeSignal unwraps a relayed signaling payload.
func DecodeSignal(buf []byte) ([]byte, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: signal frame too short", ErrMalformedFrame)
	}
	if buf[0] != FrameSignal {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownFrameType, buf[0])
	}
	return buf[1:], nil
}
