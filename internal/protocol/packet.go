package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IP protocol numbers handled by the flow layer.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

const (
	ipv4MinHeaderLen = 20
	udpHeaderLen     = 8
	tcpMinHeaderLen  = 20
)

// TCP flag bits as they appear in the 13th header byte.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// Packet is a decapsulated IPv4 packet. Src/Dst carry the full transport
// 5-tuple together with Protocol; TCP fields are only meaningful when
// Protocol == ProtoTCP. Payload aliases the input buffer.
type Packet struct {
	Protocol uint8
	Src      netip.AddrPort
	Dst      netip.AddrPort
	Payload  []byte

	TCPFlags uint8
	TCPSeq   uint32
	TCPAck   uint32
}

// FlowKey returns the exact 5-tuple identifying this packet's flow. Two
// packets map to the same flow only when protocol, both addresses and both
// ports all match.
func (p *Packet) FlowKey() FlowKey {
	return FlowKey{
		Protocol: p.Protocol,
		Src:      p.Src,
		Dst:      p.Dst,
	}
}

// FlowKey is a comparable 5-tuple. Usable directly as a map key.
type FlowKey struct {
	Protocol uint8
	Src      netip.AddrPort
	Dst      netip.AddrPort
}

// Reversed returns the key of the return direction.
func (k FlowKey) Reversed() FlowKey {
	return FlowKey{Protocol: k.Protocol, Src: k.Dst, Dst: k.Src}
}

func (k FlowKey) String() string {
	proto := "ip"
	switch k.Protocol {
	case ProtoTCP:
		proto = "tcp"
	case ProtoUDP:
		proto = "udp"
	}
	return fmt.Sprintf("%s %s->%s", proto, k.Src, k.Dst)
}

// ParsePacket decapsulates an IPv4 packet carrying UDP or TCP. Non-IPv4
// versions, unsupported protocols and truncated headers all return
// ErrMalformedFrame; the caller drops the packet and moves on.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < ipv4MinHeaderLen {
		return nil, fmt.Errorf("%w: short IP header (%d bytes)", ErrMalformedFrame, len(buf))
	}

	version := buf[0] >> 4
	if version != 4 {
		return nil, fmt.Errorf("%w: IP version %d", ErrMalformedFrame, version)
	}

	ihl := int(buf[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen || len(buf) < ihl {
		return nil, fmt.Errorf("%w: IP header truncated", ErrMalformedFrame)
	}

	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ihl || totalLen > len(buf) {
		return nil, fmt.Errorf("%w: IP total length %d outside packet", ErrMalformedFrame, totalLen)
	}

	proto := buf[9]
	srcIP := netip.AddrFrom4([4]byte{buf[12], buf[13], buf[14], buf[15]})
	dstIP := netip.AddrFrom4([4]byte{buf[16], buf[17], buf[18], buf[19]})
	transport := buf[ihl:totalLen]

	switch proto {
	case ProtoUDP:
		if len(transport) < udpHeaderLen {
			return nil, fmt.Errorf("%w: UDP header truncated", ErrMalformedFrame)
		}
		udpLen := int(binary.BigEndian.Uint16(transport[4:6]))
		if udpLen < udpHeaderLen || udpLen > len(transport) {
			return nil, fmt.Errorf("%w: UDP length %d outside segment", ErrMalformedFrame, udpLen)
		}
		return &Packet{
			Protocol: ProtoUDP,
			Src:      netip.AddrPortFrom(srcIP, binary.BigEndian.Uint16(transport[0:2])),
			Dst:      netip.AddrPortFrom(dstIP, binary.BigEndian.Uint16(transport[2:4])),
			Payload:  transport[udpHeaderLen:udpLen],
		}, nil

	case ProtoTCP:
		if len(transport) < tcpMinHeaderLen {
			return nil, fmt.Errorf("%w: TCP header truncated", ErrMalformedFrame)
		}
		dataOff := int(transport[12]>>4) * 4
		if dataOff < tcpMinHeaderLen || dataOff > len(transport) {
			return nil, fmt.Errorf("%w: TCP data offset %d outside segment", ErrMalformedFrame, dataOff)
		}
		return &Packet{
			Protocol: ProtoTCP,
			Src:      netip.AddrPortFrom(srcIP, binary.BigEndian.Uint16(transport[0:2])),
			Dst:      netip.AddrPortFrom(dstIP, binary.BigEndian.Uint16(transport[2:4])),
			TCPSeq:   binary.BigEndian.Uint32(transport[4:8]),
			TCPAck:   binary.BigEndian.Uint32(transport[8:12]),
			TCPFlags: transport[13],
			Payload:  transport[dataOff:],
		}, nil

	default:
		return nil, fmt.Errorf("%w: IP protocol %d", ErrMalformedFrame, proto)
	}
}

// BuildUDPPacket encapsulates payload in an IPv4+UDP packet with a computed
// IP header checksum. The UDP checksum is left zero, which IPv4 permits.
func BuildUDPPacket(src, dst netip.AddrPort, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	totalLen := ipv4MinHeaderLen + udpLen

	pkt := make([]byte, totalLen)
	writeIPv4Header(pkt, ProtoUDP, src.Addr(), dst.Addr(), totalLen)

	udp := pkt[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHeaderLen:], payload)

	return pkt
}

// BuildTCPPacket encapsulates payload in an IPv4+TCP packet. Unlike UDP, the
// TCP checksum is mandatory, so it is computed over the pseudo-header.
func BuildTCPPacket(src, dst netip.AddrPort, seq, ack uint32, flags uint8, payload []byte) []byte {
	tcpLen := tcpMinHeaderLen + len(payload)
	totalLen := ipv4MinHeaderLen + tcpLen

	pkt := make([]byte, totalLen)
	writeIPv4Header(pkt, ProtoTCP, src.Addr(), dst.Addr(), totalLen)

	tcp := pkt[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], src.Port())
	binary.BigEndian.PutUint16(tcp[2:4], dst.Port())
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = (tcpMinHeaderLen / 4) << 4
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 0xFFFF) // window
	copy(tcp[tcpMinHeaderLen:], payload)

	sum := tcpChecksum(src.Addr(), dst.Addr(), tcp)
	binary.BigEndian.PutUint16(tcp[16:18], sum)

	return pkt
}

func writeIPv4Header(pkt []byte, proto uint8, src, dst netip.Addr, totalLen int) {
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(pkt[6:8], 0x4000) // don't fragment
	pkt[8] = 64
	pkt[9] = proto
	srcIP := src.As4()
	dstIP := dst.As4()
	copy(pkt[12:16], srcIP[:])
	copy(pkt[16:20], dstIP[:])
	binary.BigEndian.PutUint16(pkt[10:12], IPChecksum(pkt[:ipv4MinHeaderLen]))
}

// IPChecksum computes the RFC 1071 ones-complement checksum over a header.
// A header with a correct checksum in place sums to zero.
func IPChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i < len(header); i += 2 {
		if i+1 < len(header) {
			sum += uint32(header[i])<<8 | uint32(header[i+1])
		} else {
			sum += uint32(header[i]) << 8
		}
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func tcpChecksum(src, dst netip.Addr, segment []byte) uint16 {
	pseudo := make([]byte, 12, 12+len(segment))
	srcIP := src.As4()
	dstIP := dst.As4()
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	pseudo = append(pseudo, segment...)
	return IPChecksum(pseudo)
}
