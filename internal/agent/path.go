package agent

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quicgate/quicgate/internal/holepunch"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/recovery"
)

const pathTickInterval = 100 * time.Millisecond

// pathState owns a verified direct path: the punched socket and its
// keepalive monitor. Application traffic stays on the relay; the path is
// held ready and dropped silently once its keepalives go dark.
type pathState struct {
	sock    *net.UDPConn
	monitor *holepunch.PathMonitor

	mu     sync.Mutex
	usable bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *pathState) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.sock.Close()
	})
}

// adoptDirectPath takes over the punch session's socket and starts the
// keepalive monitor. A previous direct path, if any, is replaced.
func (a *Agent) adoptDirectPath(s *initiatorSession, remote netip.AddrPort) {
	p := &pathState{
		sock:    s.sock,
		monitor: holepunch.NewPathMonitor(remote, time.Now()),
		usable:  true,
		closed:  make(chan struct{}),
	}
	// The session hands its socket to the path; only the signal channel dies.
	s.closeOnce.Do(func() { close(s.closed) })

	a.mu.Lock()
	old := a.monitor
	a.monitor = p
	a.mu.Unlock()
	if old != nil {
		old.close()
	}

	a.log.Info("direct path established", logging.KeyRemoteAddr, remote.String())
	a.spawn("agent.path", func() { a.monitorPath(p) })
}

// DirectPath reports the live direct path's remote address and measured RTT.
func (a *Agent) DirectPath() (netip.AddrPort, time.Duration, bool) {
	a.mu.Lock()
	p := a.monitor
	a.mu.Unlock()
	if p == nil {
		return netip.AddrPort{}, 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.usable {
		return netip.AddrPort{}, 0, false
	}
	return p.monitor.Remote(), p.monitor.RTT(), true
}

// monitorPath sends keepalive probes over the direct socket and answers the
// peer's. Three consecutive losses drop the path without touching the
// relayed traffic.
func (a *Agent) monitorPath(p *pathState) {
	sockIn := make(chan sockPacket, 16)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.log, "agent.path.read")
		readPunchSocket(p.sock, p.closed, sockIn)
	}()

	remote := p.monitor.Remote()
	ticker := time.NewTicker(pathTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			p.close()
			return
		case <-p.closed:
			return

		case pkt := <-sockIn:
			p.mu.Lock()
			reply, err := p.monitor.ProcessProbe(pkt.buf, time.Now())
			p.mu.Unlock()
			if err != nil {
				continue
			}
			if reply != nil {
				_, _ = p.sock.WriteToUDPAddrPort(reply, pkt.from)
			}

		case now := <-ticker.C:
			p.mu.Lock()
			probe := p.monitor.PollProbe(now)
			timedOut := p.monitor.CheckTimeout(now)
			if timedOut {
				p.usable = false
			}
			p.mu.Unlock()

			if probe != nil {
				_, _ = p.sock.WriteToUDPAddrPort(probe, remote)
			}
			if timedOut {
				a.log.Warn("direct path lost, staying on relay",
					logging.KeyRemoteAddr, remote.String())
				a.mu.Lock()
				if a.monitor == p {
					a.monitor = nil
				}
				a.mu.Unlock()
				p.close()
				return
			}
		}
	}
}
