package connector

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quicgate/quicgate/internal/holepunch"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

// punchTickInterval paces the responder loop. It must not exceed the
// coordinator's check pacing or retransmits stall.
const punchTickInterval = 20 * time.Millisecond

// punchSession pairs one controlled-side coordinator with the UDP socket the
// checks run over. The coordinator is single-threaded, so relayed signals are
// handed to the loop through a channel instead of being applied inline.
type punchSession struct {
	id        string
	coord     *holepunch.Coordinator
	sock      *net.UDPConn
	signals   chan *holepunch.Message
	startedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *punchSession) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.sock.Close()
	})
}

// handleSignal routes one relayed signaling frame: offers open a new punch
// session, everything else feeds the session it names.
func (c *Connector) handleSignal(frame []byte) error {
	payload, err := protocol.DecodeSignal(frame)
	if err != nil {
		return err
	}
	msg, _, err := holepunch.DecodeMessage(payload)
	if err != nil {
		return err
	}

	if msg.Type == holepunch.MessageOffer {
		return c.startPunch(msg)
	}

	c.mu.Lock()
	p, ok := c.punches[msg.SessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no punch session %s", msg.SessionID)
	}
	select {
	case p.signals <- msg:
	case <-p.closed:
	}
	return nil
}

// startPunch answers an Agent's offer: bind a socket, gather candidates and
// run the responder loop until the attempt settles.
func (c *Connector) startPunch(offer *holepunch.Message) error {
	c.mu.Lock()
	if _, dup := c.punches[offer.SessionID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("duplicate punch session %s", offer.SessionID)
	}
	c.mu.Unlock()

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("binding punch socket: %w", err)
	}
	port := uint16(sock.LocalAddr().(*net.UDPAddr).Port)

	locals, err := holepunch.LocalAddrPorts(port)
	if err != nil || len(locals) == 0 {
		locals = append(locals, netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port))
	}

	coord := holepunch.NewCoordinator(offer.SessionID, offer.ServiceID, false, c.log)
	c.mu.Lock()
	if c.observed.IsValid() {
		coord.SetObservedAddr(netip.AddrPortFrom(c.observed.Addr(), port))
	}
	c.mu.Unlock()

	now := time.Now()
	coord.StartGathering(locals, now)
	if err := coord.ProcessMessage(offer, now); err != nil {
		_ = sock.Close()
		return err
	}

	p := &punchSession{
		id:        offer.SessionID,
		coord:     coord,
		sock:      sock,
		signals:   make(chan *holepunch.Message, 8),
		startedAt: now,
		closed:    make(chan struct{}),
	}
	c.mu.Lock()
	c.punches[p.id] = p
	c.mu.Unlock()

	c.log.Info("answering hole-punch offer",
		logging.KeySessionID, p.id, logging.KeyService, offer.ServiceID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.log, "connector.punch")
		c.runPunch(p)
	}()
	return nil
}

// runPunch is the responder event loop: pump socket datagrams into the
// coordinator, drain its outgoing signals and binding requests, and advance
// its timers until a terminal state.
func (c *Connector) runPunch(p *punchSession) {
	defer c.finishPunch(p)

	sockIn := make(chan sockPacket, 64)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.log, "connector.punch.read")
		readPunchSocket(p, sockIn)
	}()

	ticker := time.NewTicker(punchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-p.closed:
			return

		case msg := <-p.signals:
			if err := p.coord.ProcessMessage(msg, time.Now()); err != nil {
				c.log.Debug("punch signal rejected",
					logging.KeySessionID, p.id, logging.KeyError, err)
			}

		case pkt := <-sockIn:
			reply, err := p.coord.ProcessBinding(pkt.from, pkt.buf)
			if err != nil {
				continue
			}
			if reply != nil {
				_, _ = p.sock.WriteToUDPAddrPort(reply, pkt.from)
			}

		case now := <-ticker.C:
			if p.coord.ShouldStartChecking(now) {
				p.coord.StartChecking(now)
			}
			for {
				req, addr := p.coord.PollBindingRequest(now)
				if req == nil {
					break
				}
				_, _ = p.sock.WriteToUDPAddrPort(req, addr)
			}
			p.coord.OnTimeout(now)
		}

		for {
			sig := p.coord.PollSignal()
			if sig == nil {
				break
			}
			c.sendSignal(sig)
		}

		switch p.coord.State() {
		case holepunch.StateConnected, holepunch.StateFailed, holepunch.StateFallbackRelay:
			return
		}
	}
}

type sockPacket struct {
	from netip.AddrPort
	buf  []byte
}

func readPunchSocket(p *punchSession, out chan<- sockPacket) {
	buf := make([]byte, 1500)
	for {
		_ = p.sock.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := p.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-p.closed:
					return
				default:
					continue
				}
			}
			return
		}
		src := netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		pkt := sockPacket{from: src, buf: append([]byte(nil), buf[:n]...)}
		select {
		case out <- pkt:
		case <-p.closed:
			return
		}
	}
}

// finishPunch records the outcome and drops the session. A verified path
// keeps its socket open to answer the Agent's keepalive probes; flows keep
// the relayed writer until the Agent migrates its traffic.
func (c *Connector) finishPunch(p *punchSession) {
	res := p.coord.Result()
	outcome := "failed"
	if res.Direct {
		outcome = "direct"
		c.log.Info("direct path established",
			logging.KeySessionID, p.id, logging.KeyRemoteAddr, res.RemoteAddr.String())
	} else {
		c.log.Info("hole punch fell back to relay",
			logging.KeySessionID, p.id, "reason", res.Reason)
	}
	c.metrics.RecordPunchOutcome(outcome, time.Since(p.startedAt))

	c.mu.Lock()
	delete(c.punches, p.id)
	c.mu.Unlock()

	if !res.Direct {
		p.close()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.log, "connector.punch.direct")
		c.serveDirect(p)
	}()
}

// directIdleTimeout evicts a verified path whose Agent went quiet: three
// missed 15s keepalives plus slack.
const directIdleTimeout = 50 * time.Second

// serveDirect answers keepalive probes and late binding requests on a
// verified direct socket until the Agent goes quiet.
func (c *Connector) serveDirect(p *punchSession) {
	defer p.close()

	buf := make([]byte, 1500)
	lastSeen := time.Now()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-p.closed:
			return
		default:
		}

		_ = p.sock.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := p.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(lastSeen) > directIdleTimeout {
					c.log.Debug("direct path idle, releasing socket",
						logging.KeySessionID, p.id)
					return
				}
				continue
			}
			return
		}
		lastSeen = time.Now()

		if resp, seq, err := holepunch.DecodeProbe(buf[:n]); err == nil {
			if !resp {
				_, _ = p.sock.WriteToUDPAddrPort(holepunch.EncodeProbe(true, seq), from)
			}
			continue
		}
		src := netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if reply, err := p.coord.ProcessBinding(src, buf[:n]); err == nil && reply != nil {
			_, _ = p.sock.WriteToUDPAddrPort(reply, from)
		}
	}
}

func (c *Connector) sendSignal(payload []byte) {
	frame, err := protocol.EncodeSignal(payload)
	if err != nil {
		return
	}
	if err := c.cc.Conn.SendDatagram(frame); err != nil {
		c.log.Debug("sending signal", logging.KeyError, err)
	}
}
