package flow

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

// tcpFlow proxies one tunneled TCP conversation onto a local backend
// connection. The Agent side speaks real TCP segments; this side answers
// them with a minimal synthesized stack: the tunnel already provides
// reliable delivery, so there is no retransmission, just sequence tracking
// so both ends agree on byte positions.
type tcpFlow struct {
	flowBase
	m *Manager

	// All fields below are guarded by flowBase.mu.
	conn          net.Conn
	isn           uint32
	sndSeq        uint32
	rcvNxt        uint32
	pending       [][]byte
	peerFIN       bool
	backendEOF    bool
	drainDeadline time.Time
	torn          bool
}

func (m *Manager) handleTCP(pkt *protocol.Packet) error {
	key := pkt.FlowKey()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	f, ok := m.tcpFlows[key]
	if !ok {
		// Only an opening SYN creates a flow. Stray segments for tuples we
		// never accepted are dropped.
		if pkt.TCPFlags&protocol.TCPFlagSYN == 0 || pkt.TCPFlags&protocol.TCPFlagACK != 0 {
			m.mu.Unlock()
			return nil
		}
		if !m.admitTCP(key.Src.Addr()) {
			m.mu.Unlock()
			m.metrics.AdmissionDrops.Inc()
			m.log.Debug("tcp flow rejected by rate limit",
				logging.KeyAddress, key.Src.Addr().String())
			return nil
		}
		if len(m.udpFlows)+len(m.tcpFlows) >= m.cfg.MaxFlows {
			m.mu.Unlock()
			return ErrFlowLimit
		}

		f = &tcpFlow{
			flowBase: newFlowBase(key, StateSynReceived),
			m:        m,
			rcvNxt:   pkt.TCPSeq + 1,
		}
		m.tcpFlows[key] = f
		m.wg.Add(1)
		go f.run()
		m.mu.Unlock()
		m.metrics.RecordFlowOpen("tcp")
		m.log.Debug("tcp flow opened", logging.KeyFlow, key.String())
		return nil
	}
	m.mu.Unlock()

	return f.handleSegment(pkt)
}

// run owns the backend side of the flow: the non-blocking connect, then the
// return loop reading backend bytes until EOF.
func (f *tcpFlow) run() {
	m := f.m
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.log, "tcp-flow")

	f.mu.Lock()
	f.state = StateConnecting
	f.mu.Unlock()

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := d.DialContext(m.ctx, "tcp", m.cfg.Backend)

	f.mu.Lock()
	if f.torn {
		f.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		rst := protocol.BuildTCPPacket(f.key.Dst, f.key.Src,
			0, f.rcvNxt, protocol.TCPFlagRST|protocol.TCPFlagACK, nil)
		f.mu.Unlock()
		m.log.Debug("backend connect failed", logging.KeyFlow, f.key.String(),
			logging.KeyError, err)
		_ = m.sendReturn(rst)
		f.teardown()
		m.removeTCP(f)
		return
	}

	f.conn = conn
	f.state = StateEstablished
	f.isn = randomISN()
	f.sndSeq = f.isn + 1
	synAck := protocol.BuildTCPPacket(f.key.Dst, f.key.Src,
		f.isn, f.rcvNxt, protocol.TCPFlagSYN|protocol.TCPFlagACK, nil)
	pending := f.pending
	f.pending = nil
	peerDone := f.peerFIN
	f.mu.Unlock()

	_ = m.sendReturn(synAck)
	for _, chunk := range pending {
		if _, err := conn.Write(chunk); err != nil {
			break
		}
	}
	if peerDone {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}

	f.returnLoop(conn)
}

// returnLoop forwards backend bytes toward the Agent as synthesized TCP
// segments, then announces the backend's FIN. Bytes the backend wrote before
// closing are always delivered before the FIN goes out.
func (f *tcpFlow) returnLoop(conn net.Conn) {
	m := f.m
	buf := make([]byte, m.maxReturnPayload(20))
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.mu.Lock()
			seg := protocol.BuildTCPPacket(f.key.Dst, f.key.Src,
				f.sndSeq, f.rcvNxt, protocol.TCPFlagACK|protocol.TCPFlagPSH, buf[:n])
			f.sndSeq += uint32(n)
			f.lastActivity = time.Now()
			f.mu.Unlock()
			if err := m.sendReturn(seg); err != nil {
				m.log.Warn("tcp return send failed",
					logging.KeyFlow, f.key.String(), logging.KeyError, err)
			}
		}
		if err != nil {
			break
		}
	}

	f.mu.Lock()
	if f.torn {
		f.mu.Unlock()
		return
	}
	fin := protocol.BuildTCPPacket(f.key.Dst, f.key.Src,
		f.sndSeq, f.rcvNxt, protocol.TCPFlagFIN|protocol.TCPFlagACK, nil)
	f.sndSeq++
	f.backendEOF = true
	done := f.peerFIN
	if done {
		f.state = StateClosed
	} else {
		f.state = StateDraining
		f.drainDeadline = time.Now().Add(m.cfg.DrainTimeout)
	}
	f.mu.Unlock()

	_ = m.sendReturn(fin)
	if done {
		f.teardown()
		m.removeTCP(f)
	}
}

// handleSegment processes a segment for an existing flow.
func (f *tcpFlow) handleSegment(pkt *protocol.Packet) error {
	m := f.m
	now := time.Now()

	f.mu.Lock()
	f.lastActivity = now
	if f.torn {
		f.mu.Unlock()
		return nil
	}

	if pkt.TCPFlags&protocol.TCPFlagRST != 0 {
		f.mu.Unlock()
		f.teardown()
		m.removeTCP(f)
		return nil
	}

	// Retransmitted SYN means our SYN-ACK was lost on the tunnel.
	if pkt.TCPFlags&protocol.TCPFlagSYN != 0 {
		if f.state == StateEstablished || f.state == StateDraining {
			synAck := protocol.BuildTCPPacket(f.key.Dst, f.key.Src,
				f.isn, f.rcvNxt, protocol.TCPFlagSYN|protocol.TCPFlagACK, nil)
			f.mu.Unlock()
			return m.sendReturn(synAck)
		}
		f.mu.Unlock()
		return nil
	}

	var (
		writeConn net.Conn
		payload   []byte
		replies   [][]byte
		done      bool
	)

	if len(pkt.Payload) > 0 {
		if pkt.TCPSeq != f.rcvNxt {
			// Out of order or duplicate: re-ACK our position, drop the data.
			replies = append(replies, f.ackSegmentLocked())
		} else {
			f.rcvNxt += uint32(len(pkt.Payload))
			if f.conn != nil {
				writeConn = f.conn
				payload = pkt.Payload
			} else {
				buffered := make([]byte, len(pkt.Payload))
				copy(buffered, pkt.Payload)
				f.pending = append(f.pending, buffered)
			}
			replies = append(replies, f.ackSegmentLocked())
		}
	}

	if pkt.TCPFlags&protocol.TCPFlagFIN != 0 && !f.peerFIN {
		f.rcvNxt++
		f.peerFIN = true
		if f.conn != nil {
			if tc, ok := f.conn.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
		}
		if f.backendEOF {
			f.state = StateClosed
			done = true
		} else if f.state == StateEstablished {
			f.state = StateDraining
			f.drainDeadline = now.Add(m.cfg.DrainTimeout)
		}
		replies = append(replies, f.ackSegmentLocked())
	}
	f.mu.Unlock()

	if writeConn != nil {
		if _, err := writeConn.Write(payload); err != nil {
			m.log.Debug("backend write failed", logging.KeyFlow, f.key.String(),
				logging.KeyError, err)
		}
	}
	for _, seg := range replies {
		if err := m.sendReturn(seg); err != nil {
			return err
		}
	}
	if done {
		f.teardown()
		m.removeTCP(f)
	}
	return nil
}

func (f *tcpFlow) ackSegmentLocked() []byte {
	return protocol.BuildTCPPacket(f.key.Dst, f.key.Src,
		f.sndSeq, f.rcvNxt, protocol.TCPFlagACK, nil)
}

// expired reports whether the sweeper should evict this flow.
func (f *tcpFlow) expired(now time.Time, idle time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateClosed:
		return true
	case StateDraining:
		return now.After(f.drainDeadline)
	default:
		return now.Sub(f.lastActivity) > idle
	}
}

// teardown closes the backend connection and marks the flow dead. Safe to
// call more than once.
func (f *tcpFlow) teardown() {
	f.mu.Lock()
	if f.torn {
		f.mu.Unlock()
		return
	}
	f.torn = true
	f.state = StateClosed
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	f.m.metrics.RecordFlowClose("tcp")
}

func randomISN() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
