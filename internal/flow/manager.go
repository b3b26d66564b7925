package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/metrics"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

// Defaults for Config fields left zero.
const (
	DefaultUDPIdleTimeout = 30 * time.Second
	DefaultTCPIdleTimeout = 5 * time.Minute
	DefaultDrainTimeout   = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultAdmitPerSecond = 10
	DefaultMaxFlows       = 4096

	sweepInterval     = 1 * time.Second
	limiterExpiry     = 1 * time.Minute
	defaultAdmitBurst = 10
)

var (
	// ErrManagerClosed is returned once Close has been called.
	ErrManagerClosed = errors.New("flow manager closed")

	// ErrFlowLimit is returned when the flow table is full.
	ErrFlowLimit = errors.New("flow table full")
)

// TunnelWriter carries re-encapsulated backend responses back toward the
// Agent. The Connector runtime backs it with its relay connection or, when a
// direct path is up, the punched connection.
type TunnelWriter interface {
	SendDatagram([]byte) error
}

// Config controls a Manager for one registered service.
type Config struct {
	// ServiceID names the service the Connector registered; it tags every
	// return datagram.
	ServiceID string

	// Backend is the host:port the service's traffic is forwarded to.
	Backend string

	UDPIdleTimeout time.Duration
	TCPIdleTimeout time.Duration
	// DrainTimeout bounds how long a half-closed TCP flow keeps delivering
	// buffered backend bytes before teardown.
	DrainTimeout time.Duration
	DialTimeout  time.Duration

	// AdmitPerSecond rate-limits new TCP flows per source address.
	AdmitPerSecond float64
	AdmitBurst     int

	MaxFlows int

	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
	if c.TCPIdleTimeout <= 0 {
		c.TCPIdleTimeout = DefaultTCPIdleTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AdmitPerSecond <= 0 {
		c.AdmitPerSecond = DefaultAdmitPerSecond
	}
	if c.AdmitBurst <= 0 {
		c.AdmitBurst = defaultAdmitBurst
	}
	if c.MaxFlows <= 0 {
		c.MaxFlows = DefaultMaxFlows
	}
}

type admitState struct {
	lim  *rate.Limiter
	last time.Time
}

// Manager demultiplexes tunneled packets for one service into local UDP and
// TCP conversations. Lookup is always by exact 5-tuple: two flows sharing a
// source address but not a source port never see each other's traffic.
type Manager struct {
	cfg     Config
	writer  TunnelWriter
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	udpFlows map[protocol.FlowKey]*udpFlow
	tcpFlows map[protocol.FlowKey]*tcpFlow
	admit    map[netip.Addr]*admitState
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager starts a manager forwarding to cfg.Backend. Close releases it.
func NewManager(cfg Config, writer TunnelWriter, log *slog.Logger) (*Manager, error) {
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("flow manager requires a service id")
	}
	if cfg.Backend == "" {
		return nil, fmt.Errorf("flow manager requires a backend address")
	}
	if writer == nil {
		return nil, fmt.Errorf("flow manager requires a tunnel writer")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logging.NopLogger()
	}

	mtr := cfg.Metrics
	if mtr == nil {
		mtr = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		writer:   writer,
		log:      log.With(logging.KeyComponent, "flow", logging.KeyService, cfg.ServiceID),
		metrics:  mtr,
		udpFlows: make(map[protocol.FlowKey]*udpFlow),
		tcpFlows: make(map[protocol.FlowKey]*tcpFlow),
		admit:    make(map[netip.Addr]*admitState),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m, nil
}

// HandlePacket processes one decapsulated packet arriving from the tunnel.
// Malformed packets are dropped with an error; the caller moves on.
func (m *Manager) HandlePacket(buf []byte) error {
	pkt, err := protocol.ParsePacket(buf)
	if err != nil {
		return err
	}

	switch pkt.Protocol {
	case protocol.ProtoUDP:
		return m.handleUDP(pkt)
	case protocol.ProtoTCP:
		return m.handleTCP(pkt)
	default:
		return fmt.Errorf("%w: protocol %d", protocol.ErrMalformedFrame, pkt.Protocol)
	}
}

// FlowCount returns the number of live flows, UDP plus TCP.
func (m *Manager) FlowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.udpFlows) + len(m.tcpFlows)
}

// Close tears down every flow and stops the sweeper.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	udp := make([]*udpFlow, 0, len(m.udpFlows))
	for _, f := range m.udpFlows {
		udp = append(udp, f)
	}
	tcp := make([]*tcpFlow, 0, len(m.tcpFlows))
	for _, f := range m.tcpFlows {
		tcp = append(tcp, f)
	}
	m.udpFlows = make(map[protocol.FlowKey]*udpFlow)
	m.tcpFlows = make(map[protocol.FlowKey]*tcpFlow)
	m.mu.Unlock()

	for _, f := range udp {
		f.close()
	}
	for _, f := range tcp {
		f.teardown()
	}

	m.cancel()
	m.wg.Wait()
	return nil
}

// admitTCP applies the per-source rate limit to new TCP flows. A rejected
// SYN is dropped silently, like a host shedding a SYN flood.
func (m *Manager) admitTCP(src netip.Addr) bool {
	st, ok := m.admit[src]
	if !ok {
		st = &admitState{lim: rate.NewLimiter(rate.Limit(m.cfg.AdmitPerSecond), m.cfg.AdmitBurst)}
		m.admit[src] = st
	}
	st.last = time.Now()
	return st.lim.Allow()
}

// sendReturn wraps an IP packet in a routed datagram and hands it to the
// tunnel. Oversized packets are dropped; the datagram size cap is a protocol
// invariant, not something to fragment around here.
func (m *Manager) sendReturn(pkt []byte) error {
	d := protocol.RoutedDatagram{ServiceID: m.cfg.ServiceID, Payload: pkt}
	frame, err := d.Encode()
	if err != nil {
		return err
	}
	if len(frame) > protocol.MaxDatagramSize {
		return protocol.ErrFrameTooLarge
	}
	return m.writer.SendDatagram(frame)
}

// maxReturnPayload is the largest transport payload that still fits a
// routed datagram after IP and transport headers.
func (m *Manager) maxReturnPayload(transportHeaderLen int) int {
	return protocol.MaxDatagramSize - 2 - len(m.cfg.ServiceID) - 20 - transportHeaderLen
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.log, "flow-sweeper")

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expiredUDP []*udpFlow
	for key, f := range m.udpFlows {
		if f.idleFor(now) > m.cfg.UDPIdleTimeout {
			delete(m.udpFlows, key)
			expiredUDP = append(expiredUDP, f)
		}
	}
	var expiredTCP []*tcpFlow
	for key, f := range m.tcpFlows {
		if f.expired(now, m.cfg.TCPIdleTimeout) {
			delete(m.tcpFlows, key)
			expiredTCP = append(expiredTCP, f)
		}
	}
	for src, st := range m.admit {
		if now.Sub(st.last) > limiterExpiry {
			delete(m.admit, src)
		}
	}
	m.mu.Unlock()

	for _, f := range expiredUDP {
		m.log.Debug("udp flow expired", logging.KeyFlow, f.Key().String())
		f.close()
	}
	for _, f := range expiredTCP {
		m.log.Debug("tcp flow expired", logging.KeyFlow, f.Key().String(),
			logging.KeyStatus, f.State().String())
		f.teardown()
	}
}

func (m *Manager) removeUDP(f *udpFlow) {
	m.mu.Lock()
	if cur, ok := m.udpFlows[f.key]; ok && cur == f {
		delete(m.udpFlows, f.key)
	}
	m.mu.Unlock()
}

func (m *Manager) removeTCP(f *tcpFlow) {
	m.mu.Lock()
	if cur, ok := m.tcpFlows[f.key]; ok && cur == f {
		delete(m.tcpFlows, f.key)
	}
	m.mu.Unlock()
}
