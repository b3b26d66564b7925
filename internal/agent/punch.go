package agent

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quicgate/quicgate/internal/engine"
	"github.com/quicgate/quicgate/internal/holepunch"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

const punchTickInterval = 20 * time.Millisecond

// initiatorSession is the controlling side of one punch attempt.
type initiatorSession struct {
	id      string
	coord   *holepunch.Coordinator
	sock    *net.UDPConn
	signals chan *holepunch.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *initiatorSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.sock.Close()
	})
}

// dispatchSignal hands a relayed signaling frame to the session it names.
func (a *Agent) dispatchSignal(frame []byte) {
	payload, err := protocol.DecodeSignal(frame)
	if err != nil {
		return
	}
	msg, _, err := holepunch.DecodeMessage(payload)
	if err != nil {
		return
	}

	a.mu.Lock()
	s, ok := a.punches[msg.SessionID]
	a.mu.Unlock()
	if !ok {
		a.log.Debug("signal for unknown session", logging.KeySessionID, msg.SessionID)
		return
	}
	select {
	case s.signals <- msg:
	case <-s.closed:
	}
}

// Punch attempts a direct path to the service's Connector. It blocks until
// the attempt settles; a failed punch returns a Result with the reason, not
// an error, because traffic keeps flowing over the relay either way.
func (a *Agent) Punch(ctx context.Context, serviceID string) (holepunch.Result, error) {
	if a.eng.State() != engine.StateEstablished {
		return holepunch.Result{}, fmt.Errorf("tunnel not established")
	}

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return holepunch.Result{}, fmt.Errorf("binding punch socket: %w", err)
	}
	port := uint16(sock.LocalAddr().(*net.UDPAddr).Port)

	locals, err := holepunch.LocalAddrPorts(port)
	if err != nil || len(locals) == 0 {
		locals = append(locals, netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port))
	}

	coord := holepunch.NewCoordinator(holepunch.NewSessionID(), serviceID, true, a.log)
	if observed, ok := a.eng.ObservedAddr(); ok {
		coord.SetObservedAddr(netip.AddrPortFrom(observed.Addr(), port))
	}

	start := time.Now()
	coord.StartGathering(locals, start)

	offer, err := coord.CandidateOffer()
	if err != nil {
		_ = sock.Close()
		return holepunch.Result{}, fmt.Errorf("building candidate offer: %w", err)
	}
	if offer == nil {
		_ = sock.Close()
		return holepunch.Result{}, fmt.Errorf("no candidates gathered")
	}

	s := &initiatorSession{
		id:      coord.SessionID(),
		coord:   coord,
		sock:    sock,
		signals: make(chan *holepunch.Message, 8),
		closed:  make(chan struct{}),
	}
	a.mu.Lock()
	a.punches[s.id] = s
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.punches, s.id)
		a.mu.Unlock()
	}()

	if err := a.sendSignal(offer); err != nil {
		s.close()
		return holepunch.Result{}, fmt.Errorf("sending offer: %w", err)
	}
	a.log.Info("hole punch started",
		logging.KeySessionID, s.id, logging.KeyService, serviceID)

	res, err := a.runPunch(ctx, s)
	elapsed := time.Since(start)
	outcome := "failed"
	if res.Direct {
		outcome = "direct"
	}
	a.metrics.RecordPunchOutcome(outcome, elapsed)

	if report, rerr := s.coord.ResultMessage(); rerr == nil {
		_ = a.sendSignal(report)
	}

	if err != nil {
		s.close()
		return res, err
	}
	if res.Direct {
		a.adoptDirectPath(s, res.RemoteAddr)
	} else {
		a.log.Info("hole punch fell back to relay",
			logging.KeySessionID, s.id, "reason", res.Reason)
		s.close()
	}
	return res, nil
}

// runPunch drives the coordinator until a terminal state.
func (a *Agent) runPunch(ctx context.Context, s *initiatorSession) (holepunch.Result, error) {
	sockIn := make(chan sockPacket, 64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.log, "agent.punch.read")
		readPunchSocket(s.sock, s.closed, sockIn)
	}()

	ticker := time.NewTicker(punchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return holepunch.Result{}, ctx.Err()
		case <-a.ctx.Done():
			return holepunch.Result{}, ErrAgentClosed

		case msg := <-s.signals:
			if msg.Type == holepunch.MessageError {
				return holepunch.Result{Reason: msg.Reason},
					fmt.Errorf("signaling error: %s: %s", msg.Code, msg.Reason)
			}
			if err := s.coord.ProcessMessage(msg, time.Now()); err != nil {
				a.log.Debug("punch signal rejected",
					logging.KeySessionID, s.id, logging.KeyError, err)
			}

		case pkt := <-sockIn:
			reply, err := s.coord.ProcessBinding(pkt.from, pkt.buf)
			if err != nil {
				continue
			}
			if reply != nil {
				_, _ = s.sock.WriteToUDPAddrPort(reply, pkt.from)
			}

		case now := <-ticker.C:
			if s.coord.ShouldStartChecking(now) {
				s.coord.StartChecking(now)
			}
			for {
				req, addr := s.coord.PollBindingRequest(now)
				if req == nil {
					break
				}
				_, _ = s.sock.WriteToUDPAddrPort(req, addr)
			}
			s.coord.OnTimeout(now)
		}

		switch s.coord.State() {
		case holepunch.StateConnected, holepunch.StateFailed, holepunch.StateFallbackRelay:
			return s.coord.Result(), nil
		}
	}
}

type sockPacket struct {
	from netip.AddrPort
	buf  []byte
}

func readPunchSocket(sock *net.UDPConn, closed <-chan struct{}, out chan<- sockPacket) {
	buf := make([]byte, 1500)
	for {
		_ = sock.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-closed:
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
		case <-closed:
			return
		}
	}
}

func (a *Agent) sendSignal(payload []byte) error {
	frame, err := protocol.EncodeSignal(payload)
	if err != nil {
		return err
	}
	return a.eng.SendDatagram(frame)
}
