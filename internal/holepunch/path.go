package holepunch

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/quicgate/quicgate/internal/protocol"
)

// Direct-path keepalive parameters. The relayed path is kept alive by the
// QUIC connection itself; only the punched path needs its own liveness
// probe.
const (
	// KeepaliveInterval spaces probes on the direct path.
	KeepaliveInterval = 15 * time.Second

	// KeepaliveTimeout is how long to wait for a probe's echo.
	KeepaliveTimeout = 5 * time.Second

	// MissedKeepaliveThreshold triggers silent fallback to the relay.
	MissedKeepaliveThreshold = 3

	// FallbackCooldown spaces retries of the direct path after a fallback.
	FallbackCooldown = 30 * time.Second

	keepaliveProbeLen = 6
	probeRequest      = 0x01
	probeResponse     = 0x02
)

// SelectPath decides between the punched direct path and the relay. A
// direct path is adopted only when it measurably beats the relay baseline,
// never merely because it exists.
func SelectPath(directRTT, relayRTT time.Duration, directSuccessRate float64) bool {
	if directRTT <= 0 {
		return false
	}
	if directSuccessRate < 0.8 {
		return false
	}
	// At least 30% faster than the relay.
	return directRTT <= relayRTT*7/10
}

// ShouldSwitchToRelay reports whether a live direct path should be
// abandoned mid-session.
func ShouldSwitchToRelay(directRTT, relayRTT time.Duration, consecutiveLosses int) bool {
	if consecutiveLosses >= MissedKeepaliveThreshold {
		return true
	}
	return relayRTT > 0 && relayRTT < directRTT/2
}

// EncodeProbe builds a direct-path keepalive probe wrapped in the tunnel
// keepalive frame: [0x5A][kind:u8][seq:u32 BE].
func EncodeProbe(response bool, seq uint32) []byte {
	body := make([]byte, keepaliveProbeLen-1)
	if response {
		body[0] = probeResponse
	} else {
		body[0] = probeRequest
	}
	binary.BigEndian.PutUint32(body[1:], seq)
	return protocol.EncodeKeepalive(body)
}

// DecodeProbe parses a keepalive probe, returning whether it is a response
// and its sequence number.
func DecodeProbe(buf []byte) (response bool, seq uint32, err error) {
	body, err := protocol.DecodeKeepalive(buf)
	if err != nil {
		return false, 0, err
	}
	if len(body) != keepaliveProbeLen-1 {
		return false, 0, fmt.Errorf("%w: keepalive probe length %d", protocol.ErrMalformedFrame, len(body))
	}
	switch body[0] {
	case probeRequest:
		return false, binary.BigEndian.Uint32(body[1:]), nil
	case probeResponse:
		return true, binary.BigEndian.Uint32(body[1:]), nil
	default:
		return false, 0, fmt.Errorf("%w: keepalive probe kind 0x%02x", protocol.ErrMalformedFrame, body[0])
	}
}

// PathMonitor watches a punched direct path via sequenced keepalives and
// decides when to fall back to the relay. Owned by a single loop, like the
// coordinator.
type PathMonitor struct {
	remote netip.AddrPort

	seq          uint32
	lastSentSeq  uint32
	lastSentAt   time.Time
	awaitingEcho bool
	lastRecvAt   time.Time

	missed   int
	rtt      time.Duration
	fellBack bool
	fellAt   time.Time
}

// NewPathMonitor starts monitoring a verified direct path.
func NewPathMonitor(remote netip.AddrPort, now time.Time) *PathMonitor {
	return &PathMonitor{remote: remote, lastRecvAt: now}
}

// Remote returns the direct path's peer address.
func (m *PathMonitor) Remote() netip.AddrPort { return m.remote }

// RTT returns the last measured round trip, zero before the first echo.
func (m *PathMonitor) RTT() time.Duration { return m.rtt }

// Usable reports whether the direct path is currently trusted.
func (m *PathMonitor) Usable() bool { return !m.fellBack }

// PollProbe returns the next keepalive probe to send on the direct path,
// nil when none is due.
func (m *PathMonitor) PollProbe(now time.Time) []byte {
	if m.fellBack {
		return nil
	}
	if !m.lastSentAt.IsZero() && now.Sub(m.lastSentAt) < KeepaliveInterval {
		return nil
	}
	m.seq++
	m.lastSentSeq = m.seq
	m.lastSentAt = now
	m.awaitingEcho = true
	return EncodeProbe(false, m.seq)
}

// ProcessProbe consumes a keepalive probe from the direct path. For a
// request it returns the echo to send back.
func (m *PathMonitor) ProcessProbe(buf []byte, now time.Time) ([]byte, error) {
	response, seq, err := DecodeProbe(buf)
	if err != nil {
		return nil, err
	}
	if !response {
		return EncodeProbe(true, seq), nil
	}

	if m.awaitingEcho && seq == m.lastSentSeq {
		m.awaitingEcho = false
		m.missed = 0
		m.rtt = now.Sub(m.lastSentAt)
		m.lastRecvAt = now
	}
	return nil, nil
}

// CheckTimeout counts an unanswered probe as a loss. Returns true when the
// loss threshold was crossed and traffic must fall back to the relay.
func (m *PathMonitor) CheckTimeout(now time.Time) bool {
	if m.fellBack || !m.awaitingEcho {
		return false
	}
	if now.Sub(m.lastSentAt) < KeepaliveTimeout {
		return false
	}
	m.awaitingEcho = false
	m.missed++
	if m.missed >= MissedKeepaliveThreshold {
		m.fellBack = true
		m.fellAt = now
		return true
	}
	return false
}

// CanRetry reports whether enough time passed since fallback to attempt a
// fresh punch.
func (m *PathMonitor) CanRetry(now time.Time) bool {
	return m.fellBack && now.Sub(m.fellAt) >= FallbackCooldown
}
