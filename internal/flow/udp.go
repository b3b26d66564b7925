package flow

import (
	"net"
	"sync"

	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

// udpFlow binds one tunneled 5-tuple to a connected local socket. UDP flows
// carry no handshake state; they live until the idle sweeper evicts them.
type udpFlow struct {
	flowBase
	m    *Manager
	conn *net.UDPConn

	closeOnce sync.Once
}

func (m *Manager) handleUDP(pkt *protocol.Packet) error {
	key := pkt.FlowKey()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	f, ok := m.udpFlows[key]
	if !ok {
		if len(m.udpFlows)+len(m.tcpFlows) >= m.cfg.MaxFlows {
			m.mu.Unlock()
			return ErrFlowLimit
		}
		conn, err := m.dialUDP()
		if err != nil {
			m.mu.Unlock()
			return err
		}
		f = &udpFlow{flowBase: newFlowBase(key, StateEstablished), m: m, conn: conn}
		m.udpFlows[key] = f
		m.wg.Add(1)
		go m.udpReturnLoop(f)
		m.metrics.RecordFlowOpen("udp")
		m.log.Debug("udp flow opened", logging.KeyFlow, key.String())
	}
	m.mu.Unlock()

	f.touch()
	_, err := f.conn.Write(pkt.Payload)
	return err
}

func (m *Manager) dialUDP() (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", m.cfg.Backend)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, raddr)
}

// udpReturnLoop reads backend responses and re-encapsulates them toward the
// Agent with the flow's tuple reversed, so the client stack sees replies
// arrive from the address it sent to.
func (m *Manager) udpReturnLoop(f *udpFlow) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.log, "udp-return")
	defer f.close()

	buf := make([]byte, m.maxReturnPayload(8))
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			m.removeUDP(f)
			return
		}
		f.touch()

		pkt := protocol.BuildUDPPacket(f.key.Dst, f.key.Src, buf[:n])
		if err := m.sendReturn(pkt); err != nil {
			m.log.Warn("udp return send failed",
				logging.KeyFlow, f.key.String(), logging.KeyError, err)
		}
	}
}

func (f *udpFlow) close() {
	f.closeOnce.Do(func() {
		f.setState(StateClosed)
		_ = f.conn.Close()
		f.m.metrics.RecordFlowClose("udp")
	})
}
