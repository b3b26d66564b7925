// Package connector implements the App Connector runtime: it holds one
// tunnel connection to the relay, registers the services it fronts, feeds
// routed datagrams into per-service flow managers, and answers hole-punch
// offers from Agents.
package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"

	"github.com/quicgate/quicgate/internal/flow"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/metrics"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
	"github.com/quicgate/quicgate/internal/transport"
)

// Registration retry policy, matching the engine's.
const (
	registrationResend   = 2 * time.Second
	registrationAttempts = 3
	regTickInterval      = 500 * time.Millisecond
)

// ServiceSpec binds one advertised service id to a local backend address.
type ServiceSpec struct {
	ID      string
	Backend string
}

// Config describes a connector instance.
type Config struct {
	// RelayAddr is the Intermediate's address, e.g. "relay.example:4433".
	RelayAddr string

	// TLSConfig carries the connector certificate and trust roots.
	TLSConfig *tls.Config

	// Services to register and proxy.
	Services []ServiceSpec

	// DisableHolePunch leaves offer signals unanswered. All traffic stays
	// relayed.
	DisableHolePunch bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type regEntry struct {
	state    regState
	attempts int
	lastSent time.Time
}

type regState int

const (
	regPending regState = iota
	regAwaitingAck
	regActive
	regFailed
)

// Connector is a running App Connector.
type Connector struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	cc    *transport.ClientConn
	flows map[string]*flow.Manager

	mu       sync.Mutex
	regs     map[string]*regEntry
	punches  map[string]*punchSession
	observed netip.AddrPort

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a connector. Start dials the relay.
func New(cfg Config) (*Connector, error) {
	if cfg.RelayAddr == "" {
		return nil, fmt.Errorf("relay address required")
	}
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}
	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("at least one service required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	log = log.With(logging.KeyComponent, "connector")

	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	regs := make(map[string]*regEntry, len(cfg.Services))
	for _, svc := range cfg.Services {
		if svc.ID == "" || len(svc.ID) > protocol.MaxServiceIDLen {
			return nil, fmt.Errorf("%w: service id %q", protocol.ErrMalformedFrame, svc.ID)
		}
		if svc.Backend == "" {
			return nil, fmt.Errorf("service %s: backend required", svc.ID)
		}
		regs[svc.ID] = &regEntry{state: regPending}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:     cfg,
		log:     log,
		metrics: m,
		flows:   make(map[string]*flow.Manager),
		regs:    regs,
		punches: make(map[string]*punchSession),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start dials the relay, starts the flow managers and begins registering.
func (c *Connector) Start(ctx context.Context) error {
	cc, err := transport.Dial(ctx, c.cfg.RelayAddr, transport.DialOptions{
		TLSConfig: c.cfg.TLSConfig,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	c.cc = cc
	c.log.Info("connected to relay", logging.KeyRemoteAddr, c.cfg.RelayAddr)

	for _, svc := range c.cfg.Services {
		mgr, err := flow.NewManager(flow.Config{
			ServiceID: svc.ID,
			Backend:   svc.Backend,
			Metrics:   c.metrics,
		}, cc.Conn, c.log)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("service %s: %w", svc.ID, err)
		}
		c.flows[svc.ID] = mgr
	}

	c.spawn("connector.receive", func() { c.receiveLoop(cc.Conn) })
	c.spawn("connector.register", func() { c.registrationLoop(cc.Conn) })
	return nil
}

func (c *Connector) spawn(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.log, name)
		fn()
	}()
}

// RegistrationState reports one service advertisement's progress as a
// human-readable string for the status output.
func (c *Connector) RegistrationState(serviceID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regs[serviceID]
	if !ok {
		return "unknown"
	}
	switch r.state {
	case regActive:
		return "active"
	case regFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Registered reports whether every configured service is acknowledged.
func (c *Connector) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.regs {
		if r.state != regActive {
			return false
		}
	}
	return true
}

// FlowCount reports the live proxy flows across all services.
func (c *Connector) FlowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range c.flows {
		total += m.FlowCount()
	}
	return total
}

// ObservedAddr returns the relay-reported public address, if known.
func (c *Connector) ObservedAddr() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observed, c.observed.IsValid()
}

// Close tears down the punch sessions, flow managers and the tunnel.
func (c *Connector) Close() error {
	var errs *multierror.Error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		punches := make([]*punchSession, 0, len(c.punches))
		for _, p := range c.punches {
			punches = append(punches, p)
		}
		c.punches = make(map[string]*punchSession)
		c.mu.Unlock()
		for _, p := range punches {
			p.close()
		}

		for _, mgr := range c.flows {
			if err := mgr.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if c.cc != nil {
			if err := c.cc.Close(0, "connector shutting down"); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		c.wg.Wait()
	})
	return errs.ErrorOrNil()
}

// receiveLoop demultiplexes tunnel datagrams.
func (c *Connector) receiveLoop(conn quic.Connection) {
	for {
		buf, err := conn.ReceiveDatagram(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Error("tunnel receive failed", logging.KeyError, err)
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
				c.log.Debug("malformed registration reply", logging.KeyError, err)
				continue
			}
			c.handleRegistrationReply(reply)

		case protocol.FrameRoutedDatagram:
			rd, err := protocol.DecodeRoutedDatagram(buf)
			if err != nil {
				c.log.Debug("malformed routed datagram", logging.KeyError, err)
				continue
			}
			mgr, ok := c.flows[rd.ServiceID]
			if !ok {
				c.log.Debug("datagram for unconfigured service",
					logging.KeyService, rd.ServiceID)
				continue
			}
			if err := mgr.HandlePacket(rd.Payload); err != nil {
				c.log.Debug("packet dropped",
					logging.KeyService, rd.ServiceID, logging.KeyError, err)
			}

		case protocol.FrameAddrNotice:
			addr, err := protocol.DecodeAddrNotice(buf)
			if err != nil {
				continue
			}
			c.mu.Lock()
			changed := addr != c.observed
			c.observed = addr
			c.mu.Unlock()
			if changed {
				c.log.Info("observed address", logging.KeyAddress, addr.String())
			}

		case protocol.FrameSignal:
			if c.cfg.DisableHolePunch {
				continue
			}
			if err := c.handleSignal(buf); err != nil {
				c.log.Debug("signal dropped", logging.KeyError, err)
			}

		case protocol.FrameKeepalive:
			// Relay RTT probes come back on the same connection; nothing
			// to do on the connector side.

		default:
			c.log.Debug("unknown frame dropped",
				logging.KeyFrameType, protocol.FrameTypeName(buf[0]))
		}
	}
}

func (c *Connector) handleRegistrationReply(reply *protocol.RegistrationReply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.regs[reply.ServiceID]
	if !ok {
		return
	}
	if reply.Ack {
		if r.state != regActive {
			c.log.Info("service registered", logging.KeyService, reply.ServiceID)
		}
		r.state = regActive
		return
	}
	r.state = regFailed
	c.log.Warn("registration rejected",
		logging.KeyService, reply.ServiceID,
		logging.KeyStatus, protocol.NackStatusName(reply.Status))
}

func (c *Connector) registrationLoop(conn quic.Connection) {
	c.resendRegistrations(conn, time.Now())

	ticker := time.NewTicker(regTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if c.registrationsSettled() {
				return
			}
			c.resendRegistrations(conn, now)
		}
	}
}

func (c *Connector) registrationsSettled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.regs {
		if r.state == regPending || r.state == regAwaitingAck {
			return false
		}
	}
	return true
}

func (c *Connector) resendRegistrations(conn quic.Connection, now time.Time) {
	var frames [][]byte

	c.mu.Lock()
	for svc, r := range c.regs {
		switch r.state {
		case regPending:
		case regAwaitingAck:
			if now.Sub(r.lastSent) < registrationResend {
				continue
			}
			if r.attempts >= registrationAttempts {
				r.state = regFailed
				c.log.Warn("registration failed: no reply",
					logging.KeyService, svc, "attempts", r.attempts)
				continue
			}
		default:
			continue
		}

		frame, err := (&protocol.Registration{ServiceID: svc}).Encode()
		if err != nil {
			r.state = regFailed
			continue
		}
		r.state = regAwaitingAck
		r.attempts++
		r.lastSent = now
		frames = append(frames, frame)
	}
	c.mu.Unlock()

	for _, frame := range frames {
		if err := conn.SendDatagram(frame); err != nil {
			c.log.Debug("sending registration", logging.KeyError, err)
		}
	}
}
