// Package agent implements the Agent runtime: it pumps the tunnel engine's
// packet boundary over a real UDP socket, exposes send/receive for routed
// application datagrams, and initiates hole-punch attempts toward a
// service's Connector.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quicgate/quicgate/internal/engine"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/metrics"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

// drainInterval paces the outgoing-packet poll. The boundary hands packets
// back one at a time, so the pump loops until the queue is dry on each tick.
const drainInterval = time.Millisecond

// recvDepth bounds the decoded application datagram queue.
const recvDepth = 1024

// ErrAgentClosed is returned once Close has been called.
var ErrAgentClosed = fmt.Errorf("agent closed")

// Config describes an agent instance.
type Config struct {
	// RelayAddr is the Intermediate's address, e.g. "relay.example:4433".
	RelayAddr string

	// TLSConfig carries the agent certificate and trust roots.
	TLSConfig *tls.Config

	// Services to register interest in.
	Services []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Agent is a running Agent-side tunnel.
type Agent struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	eng  *engine.Engine
	sock *net.UDPConn

	recv chan *protocol.RoutedDatagram

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	mu      sync.Mutex
	punches map[string]*initiatorSession
	monitor *pathState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an agent. Start opens the socket and the tunnel.
func New(cfg Config) (*Agent, error) {
	if cfg.RelayAddr == "" {
		return nil, fmt.Errorf("relay address required")
	}
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	log = log.With(logging.KeyComponent, "agent")

	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:     cfg,
		log:     log,
		metrics: m,
		recv:    make(chan *protocol.RoutedDatagram, recvDepth),
		punches: make(map[string]*initiatorSession),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start binds the tunnel socket, starts the engine and the pump loops, and
// waits for the tunnel to establish.
func (a *Agent) Start(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp4", a.cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("resolving relay address: %w", err)
	}
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("binding tunnel socket: %w", err)
	}
	a.sock = sock

	eng, err := engine.New(engine.Config{
		RemoteAddr: raddr,
		TLSConfig:  a.cfg.TLSConfig,
		Services:   a.cfg.Services,
		Logger:     a.log,
	})
	if err != nil {
		_ = sock.Close()
		return err
	}
	a.eng = eng
	if err := eng.Start(); err != nil {
		_ = sock.Close()
		return err
	}

	a.spawn("agent.pump_in", a.pumpIn)
	a.spawn("agent.pump_out", func() { a.pumpOut(raddr) })
	a.spawn("agent.demux", a.demuxLoop)

	if err := a.waitEstablished(ctx); err != nil {
		_ = a.Close()
		return err
	}
	a.log.Info("tunnel established", logging.KeyRemoteAddr, a.cfg.RelayAddr)
	return nil
}

func (a *Agent) spawn(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.log, name)
		fn()
	}()
}

func (a *Agent) waitEstablished(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch a.eng.State() {
		case engine.StateEstablished:
			return nil
		case engine.StateError, engine.StateClosed:
			if err := a.eng.LastError(); err != nil {
				return fmt.Errorf("tunnel failed: %w", err)
			}
			return fmt.Errorf("tunnel closed during handshake")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ctx.Done():
			return ErrAgentClosed
		case <-ticker.C:
		}
	}
}

// Registered reports whether every configured service's registration is
// acknowledged.
func (a *Agent) Registered() bool {
	for _, svc := range a.cfg.Services {
		if a.eng.RegistrationState(svc) != engine.RegActive {
			return false
		}
	}
	return true
}

// ObservedAddr returns the relay-reported public address, if known.
func (a *Agent) ObservedAddr() (netip.AddrPort, bool) {
	return a.eng.ObservedAddr()
}

// Send wraps payload in a routed datagram for the service and sends it over
// the tunnel.
func (a *Agent) Send(serviceID string, payload []byte) error {
	frame, err := (&protocol.RoutedDatagram{ServiceID: serviceID, Payload: payload}).Encode()
	if err != nil {
		return err
	}
	if err := a.eng.SendDatagram(frame); err != nil {
		return err
	}
	a.bytesSent.Add(uint64(len(payload)))
	return nil
}

// Traffic reports the application payload bytes sent and received over the
// tunnel so far.
func (a *Agent) Traffic() (sent, received uint64) {
	return a.bytesSent.Load(), a.bytesRecv.Load()
}

// Recv returns the next routed datagram delivered over the tunnel.
func (a *Agent) Recv(ctx context.Context) (*protocol.RoutedDatagram, error) {
	select {
	case rd := <-a.recv:
		return rd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ctx.Done():
		return nil, ErrAgentClosed
	}
}

// Close tears down the punch sessions, the engine and the socket.
func (a *Agent) Close() error {
	var errs *multierror.Error
	a.closeOnce.Do(func() {
		a.cancel()

		a.mu.Lock()
		sessions := make([]*initiatorSession, 0, len(a.punches))
		for _, s := range a.punches {
			sessions = append(sessions, s)
		}
		a.punches = make(map[string]*initiatorSession)
		mon := a.monitor
		a.monitor = nil
		a.mu.Unlock()
		for _, s := range sessions {
			s.close()
		}
		if mon != nil {
			mon.close()
		}

		if a.eng != nil {
			if err := a.eng.Close(0, "agent shutting down"); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if a.sock != nil {
			_ = a.sock.Close()
		}
		a.wg.Wait()
	})
	return errs.ErrorOrNil()
}

// pumpIn feeds received UDP packets into the engine boundary.
func (a *Agent) pumpIn() {
	buf := make([]byte, engine.PacketBufSize)
	for {
		_ = a.sock.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := a.sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-a.ctx.Done():
					return
				default:
					continue
				}
			}
			return
		}
		if err := a.eng.SubmitIncomingPacket(buf[:n]); err != nil {
			return
		}
	}
}

// pumpOut drains the engine's outgoing packets onto the wire.
func (a *Agent) pumpOut(raddr *net.UDPAddr) {
	buf := make([]byte, engine.PacketBufSize)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			n, err := a.eng.DrainOutgoingPacket(buf)
			if err != nil {
				return
			}
			if n == 0 {
				break
			}
			if _, err := a.sock.WriteToUDP(buf[:n], raddr); err != nil {
				a.log.Debug("tunnel write failed", logging.KeyError, err)
			}
		}
	}
}

// demuxLoop drains the engine's application queue: routed datagrams go to
// the receive channel, signaling frames to their punch session.
func (a *Agent) demuxLoop() {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		frames, dropped := a.eng.RecvDatagrams()
		if dropped > 0 {
			a.log.Warn("receive queue overflow", logging.KeyCount, dropped)
		}
		for _, frame := range frames {
			if len(frame) == 0 {
				continue
			}
			switch frame[0] {
			case protocol.FrameRoutedDatagram:
				rd, err := protocol.DecodeRoutedDatagram(frame)
				if err != nil {
					continue
				}
				select {
				case a.recv <- rd:
					a.bytesRecv.Add(uint64(len(rd.Payload)))
				default:
					a.log.Debug("application queue full, datagram dropped",
						logging.KeyService, rd.ServiceID)
				}

			case protocol.FrameSignal:
				a.dispatchSignal(frame)

			case protocol.FrameKeepalive:
				// RTT probe echoed by the relay; the engine's QUIC layer
				// already keeps its own liveness timer.

			default:
			}
		}
	}
}
