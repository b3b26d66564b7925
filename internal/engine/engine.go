// Package engine drives one QUIC tunnel connection through a poll/drain
// boundary. The host shell owns the real socket and the scheduling: it feeds
// received transport datagrams in with SubmitIncomingPacket, drains datagrams
// to send with DrainOutgoingPacket, and exchanges application payloads with
// SendDatagram / RecvDatagrams. Inside, an ordinary quic-go client session
// runs over an in-memory packet conn fed by those calls.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
	"github.com/quicgate/quicgate/internal/transport"
)

// Registration retry policy. A service that draws no ACK within the resend
// interval is re-announced up to the attempt ceiling, then declared failed.
const (
	DefaultRegistrationResend   = 2 * time.Second
	DefaultRegistrationAttempts = 3

	regTickInterval = 500 * time.Millisecond
)

var (
	// ErrNotEstablished is returned when a datagram is sent before the
	// handshake completes or after the session ends.
	ErrNotEstablished = errors.New("session not established")

	// ErrTooLarge is returned when an application payload exceeds the
	// maximum datagram size. The payload is rejected, never truncated.
	ErrTooLarge = errors.New("datagram exceeds maximum size")
)

// State is the tunnel connection lifecycle.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RegState tracks one service advertisement.
type RegState int

const (
	RegUnregistered RegState = iota
	RegAwaitingAck
	RegActive
	RegFailed
)

func (s RegState) String() string {
	switch s {
	case RegUnregistered:
		return "unregistered"
	case RegAwaitingAck:
		return "awaiting_ack"
	case RegActive:
		return "active"
	case RegFailed:
		return "failed"
	default:
		return fmt.Sprintf("regstate(%d)", int(s))
	}
}

type regEntry struct {
	state    RegState
	attempts int
	lastSent time.Time
}

// Config describes one tunnel connection.
type Config struct {
	// RemoteAddr is the relay's address. Used as the peer address on the
	// boundary conn; the host shell does the actual socket I/O.
	RemoteAddr *net.UDPAddr

	// TLSConfig carries the client certificate and trust roots.
	// Certificate verification stays on unless the config explicitly
	// opts out with InsecureSkipVerify.
	TLSConfig *tls.Config

	// Services to announce once the session is established.
	Services []string

	// HandshakeTimeout bounds the QUIC handshake. Zero means the
	// transport default applies.
	HandshakeTimeout time.Duration

	// RegistrationResend and RegistrationAttempts override the retry
	// policy. Zero selects the defaults.
	RegistrationResend   time.Duration
	RegistrationAttempts int

	Logger *slog.Logger
}

// Engine is one poll-driven tunnel connection.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	bconn *boundaryConn
	recvQ *recvQueue

	state atomic.Int32

	mu           sync.Mutex
	conn         quic.Connection
	cc           *transport.ClientConn
	regs         map[string]*regEntry
	lastErr      error
	observedAddr netip.AddrPort
	hasObserved  bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an engine in the Idle state. Start begins the handshake.
func New(cfg Config) (*Engine, error) {
	if cfg.RemoteAddr == nil {
		return nil, fmt.Errorf("remote address required")
	}
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}
	if cfg.RegistrationResend <= 0 {
		cfg.RegistrationResend = DefaultRegistrationResend
	}
	if cfg.RegistrationAttempts <= 0 {
		cfg.RegistrationAttempts = DefaultRegistrationAttempts
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	log = log.With(logging.KeyComponent, "engine")

	regs := make(map[string]*regEntry, len(cfg.Services))
	for _, svc := range cfg.Services {
		if len(svc) == 0 || len(svc) > protocol.MaxServiceIDLen {
			return nil, fmt.Errorf("%w: service id length %d", protocol.ErrMalformedFrame, len(svc))
		}
		regs[svc] = &regEntry{state: RegUnregistered}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		log:    log,
		bconn:  newBoundaryConn(cfg.RemoteAddr),
		recvQ:  newRecvQueue(),
		regs:   regs,
		ctx:    ctx,
		cancel: cancel,
	}
	e.state.Store(int32(StateIdle))
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastError returns the most recent fatal error, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// RegistrationState reports one service advertisement's progress.
// Unknown services report RegUnregistered.
func (e *Engine) RegistrationState(serviceID string) RegState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.regs[serviceID]; ok {
		return r.state
	}
	return RegUnregistered
}

// ObservedAddr returns the public address the relay reported for this
// connection, once an address-discovery notice has arrived.
func (e *Engine) ObservedAddr() (netip.AddrPort, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observedAddr, e.hasObserved
}

// Start kicks off the handshake. It returns immediately; the handshake
// completes as the host shell pumps packets through the boundary.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateHandshaking)) {
		return fmt.Errorf("start from state %s", e.State())
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer recovery.RecoverWithLog(e.log, "engine.dial")
		e.dial()
	}()
	return nil
}

func (e *Engine) dial() {
	cc, err := transport.DialOn(e.ctx, e.bconn, e.cfg.RemoteAddr, transport.DialOptions{
		TLSConfig: e.cfg.TLSConfig,
		Timeout:   e.cfg.HandshakeTimeout,
	})
	if err != nil {
		e.fail(fmt.Errorf("handshake: %w", err))
		return
	}

	e.mu.Lock()
	e.cc = cc
	e.conn = cc.Conn
	e.mu.Unlock()

	if !e.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		// Closed while the handshake was in flight.
		_ = cc.Close(0, "closed during handshake")
		return
	}
	e.log.Info("tunnel established", "remote", e.cfg.RemoteAddr.String())

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer recovery.RecoverWithLog(e.log, "engine.receive")
		e.receiveLoop(cc.Conn)
	}()
	go func() {
		defer e.wg.Done()
		defer recovery.RecoverWithLog(e.log, "engine.registration")
		e.registrationLoop(cc.Conn)
	}()
}

// fail records a fatal transport error and moves to the Error state unless
// a deliberate close is already under way.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.lastErr == nil {
		e.lastErr = err
	}
	e.mu.Unlock()

	switch e.State() {
	case StateClosing, StateClosed:
		return
	}
	e.state.Store(int32(StateError))
	e.log.Error("tunnel failed", logging.KeyError, err)
}

// SubmitIncomingPacket feeds one received transport datagram into the
// session. The bytes are copied into a pooled scratch region; the caller
// may reuse p immediately.
func (e *Engine) SubmitIncomingPacket(p []byte) error {
	return e.bconn.submit(p)
}

// DrainOutgoingPacket copies at most one ready-to-send transport datagram
// into buf. n == 0 with a nil error means nothing is pending. buf should be
// at least PacketBufSize bytes.
func (e *Engine) DrainOutgoingPacket(buf []byte) (int, error) {
	return e.bconn.drain(buf)
}

// SendDatagram queues one application payload for the tunnel.
func (e *Engine) SendDatagram(p []byte) error {
	if e.State() != StateEstablished {
		return ErrNotEstablished
	}
	if len(p) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(p))
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotEstablished
	}
	if err := conn.SendDatagram(p); err != nil {
		return fmt.Errorf("sending datagram: %w", err)
	}
	return nil
}

// RecvDatagrams returns every application datagram received since the last
// call, plus the number dropped to the queue bound in the same window.
func (e *Engine) RecvDatagrams() ([][]byte, uint64) {
	return e.recvQ.drain()
}

// Close shuts the tunnel down, notifying the peer with the given code and
// reason. Safe to call from any state, repeatedly.
func (e *Engine) Close(code uint64, reason string) error {
	var err error
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateClosing))

		e.mu.Lock()
		cc := e.cc
		e.mu.Unlock()
		if cc != nil {
			err = cc.Close(quic.ApplicationErrorCode(code), reason)
		}

		e.cancel()
		_ = e.bconn.Close()
		e.wg.Wait()
		e.state.Store(int32(StateClosed))
	})
	return err
}

// receiveLoop demultiplexes inbound datagrams: registration replies and
// address notices are consumed here, everything else queues for the caller.
func (e *Engine) receiveLoop(conn quic.Connection) {
	for {
		buf, err := conn.ReceiveDatagram(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.fail(fmt.Errorf("receive: %w", err))
			}
			return
		}
		if len(buf) == 0 {
			continue
		}

		switch buf[0] {
		case protocol.FrameRegisterAck, protocol.FrameRegisterNack:
			reply, err := protocol.DecodeRegistrationReply(buf)
			if err != nil {
				e.log.Debug("dropping malformed registration reply", logging.KeyError, err)
				continue
			}
			e.handleRegistrationReply(reply)

		case protocol.FrameAddrNotice:
			addr, err := protocol.DecodeAddrNotice(buf)
			if err != nil {
				e.log.Debug("dropping malformed address notice", logging.KeyError, err)
				continue
			}
			e.mu.Lock()
			changed := !e.hasObserved || addr != e.observedAddr
			e.observedAddr = addr
			e.hasObserved = true
			e.mu.Unlock()
			if changed {
				e.log.Info("observed address", "addr", addr.String())
			}

		default:
			e.recvQ.push(buf)
		}
	}
}

func (e *Engine) handleRegistrationReply(reply *protocol.RegistrationReply) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.regs[reply.ServiceID]
	if !ok {
		e.log.Warn("reply for unknown service", "service", reply.ServiceID)
		return
	}
	switch {
	case reply.Ack:
		if r.state != RegActive {
			e.log.Info("service registered", "service", reply.ServiceID)
		}
		r.state = RegActive
	default:
		r.state = RegFailed
		e.log.Warn("registration rejected",
			"service", reply.ServiceID, "status", reply.Status)
	}
}

// registrationLoop announces each configured service and re-sends until
// acknowledged or the attempt ceiling is hit.
func (e *Engine) registrationLoop(conn quic.Connection) {
	e.resendRegistrations(conn, time.Now())

	ticker := time.NewTicker(regTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if e.allRegistrationsSettled() {
				return
			}
			e.resendRegistrations(conn, now)
		}
	}
}

func (e *Engine) allRegistrationsSettled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.regs {
		if r.state == RegUnregistered || r.state == RegAwaitingAck {
			return false
		}
	}
	return true
}

func (e *Engine) resendRegistrations(conn quic.Connection, now time.Time) {
	type pending struct {
		svc   string
		frame []byte
	}
	var out []pending

	e.mu.Lock()
	for svc, r := range e.regs {
		switch r.state {
		case RegUnregistered:
		case RegAwaitingAck:
			if now.Sub(r.lastSent) < e.cfg.RegistrationResend {
				continue
			}
			if r.attempts >= e.cfg.RegistrationAttempts {
				r.state = RegFailed
				e.log.Warn("registration failed: no reply",
					"service", svc, "attempts", r.attempts)
				continue
			}
		default:
			continue
		}

		frame, err := (&protocol.Registration{ServiceID: svc}).Encode()
		if err != nil {
			r.state = RegFailed
			e.log.Error("encoding registration", "service", svc, logging.KeyError, err)
			continue
		}
		r.state = RegAwaitingAck
		r.attempts++
		r.lastSent = now
		out = append(out, pending{svc: svc, frame: frame})
	}
	e.mu.Unlock()

	for _, p := range out {
		if err := conn.SendDatagram(p.frame); err != nil {
			e.log.Debug("sending registration", "service", p.svc, logging.KeyError, err)
		}
	}
}
