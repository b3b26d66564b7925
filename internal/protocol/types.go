// Package protocol defines the wire protocol spoken between Agents, the
// Intermediate relay, and App Connectors on top of QUIC DATAGRAM frames.
package protocol

// Frame type constants. Every application datagram starts with a one-byte
// type tag; anything else is treated as an opaque routed payload by older
// peers, so new tags must not collide with the IPv4 version nibble (0x45).
const (
	// FrameAddrNotice carries the sender-observed address of a peer
	// (address discovery). Sent relay -> client after the handshake and
	// again whenever the observed address changes.
	FrameAddrNotice uint8 = 0x01

	// FrameRegister announces a service registration.
	FrameRegister uint8 = 0x11
	// FrameRegisterAck confirms a registration.
	FrameRegisterAck uint8 = 0x12
	// FrameRegisterNack rejects a registration.
	FrameRegisterNack uint8 = 0x13

	// FrameRoutedDatagram carries an application payload addressed to a
	// service id.
	FrameRoutedDatagram uint8 = 0x2F

	// FrameSignal carries a hole-punch signaling message between an Agent
	// and a Connector, relayed by the Intermediate.
	FrameSignal uint8 = 0x3C

	// FrameKeepalive is a liveness probe. The magic byte exists solely to
	// disambiguate keepalives from transport-internal control bytes.
	FrameKeepalive uint8 = 0x5A
)

// Registration NACK status codes.
const (
	// NackServiceOwned means the service id is registered to another live
	// connection.
	NackServiceOwned uint8 = 0
	// NackUnauthorized means the sender's identity does not permit the
	// requested service.
	NackUnauthorized uint8 = 1
	// NackBadServiceID means the service id was empty or malformed.
	NackBadServiceID uint8 = 2
)

// Registration ACK status codes.
const (
	// AckRegistered confirms a fresh registration.
	AckRegistered uint8 = 0
	// AckReplacedPrior confirms a registration that displaced a previous
	// owner.
	AckReplacedPrior uint8 = 1
)

// Protocol constants.
const (
	// MaxDatagramSize is the maximum application datagram payload carried
	// in one QUIC DATAGRAM frame. Must match on all three roles.
	MaxDatagramSize = 1350

	// MaxServiceIDLen bounds the UTF-8 service identifier.
	MaxServiceIDLen = 255

	// AddrNoticeLen is the fixed size of an IPv4 address-discovery notice:
	// type byte, 4 address bytes, 2 port bytes.
	AddrNoticeLen = 7

	// ALPNProtocol is the ALPN identifier negotiated on every tunnel
	// connection. Must match on all three roles.
	ALPNProtocol = "ztna-v1"
)

// FrameTypeName returns a human-readable name for a frame type tag.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameAddrNotice:
		return "ADDR_NOTICE"
	case FrameRegister:
		return "REGISTER"
	case FrameRegisterAck:
		return "REGISTER_ACK"
	case FrameRegisterNack:
		return "REGISTER_NACK"
	case FrameRoutedDatagram:
		return "ROUTED_DATAGRAM"
	case FrameSignal:
		return "SIGNAL"
	case FrameKeepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

// NackStatusName returns a human-readable name for a NACK status code.
func NackStatusName(s uint8) string {
	switch s {
	case NackServiceOwned:
		return "SERVICE_OWNED"
	case NackUnauthorized:
		return "UNAUTHORIZED"
	case NackBadServiceID:
		return "BAD_SERVICE_ID"
	default:
		return "UNKNOWN"
	}
}

// IsRegistrationFrame reports whether the tag belongs to the registration
// exchange.
func IsRegistrationFrame(t uint8) bool {
	return t == FrameRegister || t == FrameRegisterAck || t == FrameRegisterNack
}
