package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/quic-go/quic-go"

	"github.com/quicgate/quicgate/internal/authz"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/registry"
)

// relayConn is one accepted tunnel connection. It satisfies registry.Conn.
type relayConn struct {
	conn     quic.Connection
	id       string
	identity *authz.Identity
	log      *slog.Logger

	// observed is the last address an address-discovery notice reported.
	// Compared against RemoteAddr on traffic to catch migration.
	observed netip.AddrPort
}

func (c *relayConn) ID() string                { return c.id }
func (c *relayConn) Identity() *authz.Identity { return c.identity }

func (c *relayConn) SendDatagram(p []byte) error {
	return c.conn.SendDatagram(p)
}

func (c *relayConn) remoteAddrPort() (netip.AddrPort, bool) {
	udp, ok := c.conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// sendAddrNotice reports the peer's observed address back to it. Re-sent
// whenever the observed address changes.
func (c *relayConn) sendAddrNotice() {
	addr, ok := c.remoteAddrPort()
	if !ok || !addr.Addr().Is4() {
		return
	}
	if c.observed == addr {
		return
	}
	notice, err := protocol.EncodeAddrNotice(addr)
	if err != nil {
		return
	}
	if err := c.conn.SendDatagram(notice); err != nil {
		return
	}
	c.observed = addr
	c.log.Debug("address notice sent", logging.KeyAddress, addr.String())
}

// serveConn owns one connection's receive loop.
func (r *Relay) serveConn(ctx context.Context, conn quic.Connection) {
	rc, err := r.admit(conn)
	if err != nil {
		r.log.Warn("connection rejected", logging.KeyError, err)
		_ = conn.CloseWithError(quic.ApplicationErrorCode(1), "identity required")
		return
	}
	// Roles share the wire protocol; the label is a guess from the
	// certificate grants and only feeds metrics.
	role := "agent"
	if rc.identity.HasRole(authz.RoleConnector) {
		role = "connector"
	}
	r.metrics.RecordConnectionOpen(role)
	rc.log.Info("connection accepted", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	defer func() {
		r.registry.Unregister(rc)
		r.signals.DropConn(rc)
		r.aliases.Remove(rc.id)
		r.dropConn(rc.id)
		r.metrics.RecordConnectionClose("closed")
		rc.log.Info("connection closed")
	}()

	rc.sendAddrNotice()

	for {
		buf, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(buf) == 0 {
			continue
		}
		rc.sendAddrNotice()
		r.handleFrame(rc, buf)
	}
}

// admit derives the connection's identity from its client certificate and
// registers it in the connection and alias tables.
func (r *Relay) admit(conn quic.Connection) (*relayConn, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("no client certificate")
	}
	identity, err := authz.ExtractIdentity(certs[0])
	if err != nil {
		return nil, fmt.Errorf("extracting identity: %w", err)
	}

	qcid, err := r.gen.GenerateConnectionID()
	if err != nil {
		return nil, fmt.Errorf("generating connection id: %w", err)
	}
	id := qcid.String()

	rc := &relayConn{
		conn:     conn,
		id:       id,
		identity: identity,
		log:      r.log.With(logging.KeyConnID, id),
	}
	if err := r.aliases.Add(id, qcid); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conns[id] = rc
	r.mu.Unlock()
	return rc, nil
}

func (r *Relay) dropConn(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// handleFrame demultiplexes one datagram. Per-frame failures are rejections
// logged and dropped, never fatal to the connection.
func (r *Relay) handleFrame(rc *relayConn, buf []byte) {
	switch buf[0] {
	case protocol.FrameRegister:
		reg, err := protocol.DecodeRegistration(buf)
		if err != nil {
			rc.log.Debug("malformed registration", logging.KeyError, err)
			return
		}
		reply := r.registry.Register(rc, reg.ServiceID)
		outcome := "nack"
		if reply.Ack {
			outcome = "ack"
		}
		r.metrics.RecordRegistration(outcome)
		connectors, agents := r.registry.Counts()
		r.metrics.SetRegistryCounts(connectors, agents)

		frame, err := reply.Encode()
		if err != nil {
			rc.log.Error("encoding registration reply", logging.KeyError, err)
			return
		}
		if err := rc.SendDatagram(frame); err != nil {
			rc.log.Debug("sending registration reply", logging.KeyError, err)
		}

	case protocol.FrameRoutedDatagram:
		rd, err := protocol.DecodeRoutedDatagram(buf)
		if err != nil {
			rc.log.Debug("malformed routed datagram", logging.KeyError, err)
			return
		}
		if err := r.routeDatagram(rc, rd.ServiceID, buf); err != nil {
			rc.log.Debug("datagram dropped",
				logging.KeyService, rd.ServiceID, logging.KeyError, err)
		}

	case protocol.FrameSignal:
		if err := r.signals.HandleSignal(rc, buf); err != nil {
			rc.log.Debug("signal dropped", logging.KeyError, err)
		}
		r.metrics.SignalSessions.Set(float64(r.signals.Count()))

	case protocol.FrameKeepalive:
		// Echo so the peer can measure RTT against the relay baseline.
		if err := rc.SendDatagram(buf); err != nil {
			rc.log.Debug("keepalive echo failed", logging.KeyError, err)
		}

	default:
		rc.log.Debug("unknown frame dropped",
			logging.KeyFrameType, protocol.FrameTypeName(buf[0]))
	}
}

func (r *Relay) routeDatagram(rc *relayConn, serviceID string, frame []byte) error {
	direction := "to_connector"
	if owner, ok := r.registry.Owner(serviceID); ok && owner.ID() == rc.id {
		direction = "to_agent"
	}

	err := r.registry.RouteDatagram(rc, serviceID, frame)
	switch {
	case err == nil:
		r.metrics.RecordRelayedDatagram(direction, len(frame))
		return nil
	case isRouteRejection(err):
		r.metrics.RecordRouteError(routeErrorKind(err))
		return err
	default:
		return err
	}
}

func isRouteRejection(err error) bool {
	return routeErrorKind(err) != ""
}

func routeErrorKind(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownService):
		return "unknown_service"
	case errors.Is(err, registry.ErrUnauthorized):
		return "unauthorized"
	default:
		return ""
	}
}
