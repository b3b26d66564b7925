// Package transport provides the QUIC transport layer shared by all three
// QuicGate roles: dialing, listening, TLS material loading and live
// certificate reload.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/token"
)

// Transport timing defaults. The idle timeout must match on all roles or the
// shorter side tears down tunnels the longer side still considers live.
const (
	DefaultMaxIdleTimeout     = 30 * time.Second
	DefaultKeepAlivePeriod    = 10 * time.Second
	DefaultMaxIncomingStreams = 100
)

// QUICConfig returns the transport configuration every role uses. Datagram
// support is mandatory: the whole tunnel protocol rides on DATAGRAM frames.
func QUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:    true,
		MaxIdleTimeout:     DefaultMaxIdleTimeout,
		KeepAlivePeriod:    DefaultKeepAlivePeriod,
		MaxIncomingStreams: DefaultMaxIncomingStreams,
	}
}

// DialOptions configures an outbound tunnel connection.
type DialOptions struct {
	// TLSConfig carries the client certificate and trust roots.
	TLSConfig *tls.Config

	// Timeout bounds the handshake.
	Timeout time.Duration

	// ConnectionIDGenerator supplies locally chosen connection ids.
	// nil uses the transport's default, which is also CSPRNG-backed.
	ConnectionIDGenerator quic.ConnectionIDGenerator
}

// ClientConn bundles a dialed connection with the socket it owns.
type ClientConn struct {
	Conn quic.Connection

	tr  *quic.Transport
	udp net.PacketConn
}

// Close tears down the connection, its transport and the underlying socket.
func (c *ClientConn) Close(code quic.ApplicationErrorCode, reason string) error {
	err := c.Conn.CloseWithError(code, reason)
	if c.tr != nil {
		_ = c.tr.Close()
	}
	if c.udp != nil {
		_ = c.udp.Close()
	}
	return err
}

// Dial opens a tunnel connection to addr over a fresh UDP socket.
func Dial(ctx context.Context, addr string, opts DialOptions) (*ClientConn, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("binding UDP socket: %w", err)
	}

	cc, err := DialOn(ctx, udpConn, udpAddr, opts)
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}
	cc.udp = udpConn
	return cc, nil
}

// DialOn opens a tunnel connection over a caller-owned packet socket. The
// caller keeps responsibility for closing pconn; this is the path the engine
// and the hole-punch direct dial use, where the socket is shared or synthetic.
func DialOn(ctx context.Context, pconn net.PacketConn, raddr net.Addr, opts DialOptions) (*ClientConn, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tr := &quic.Transport{
		Conn:                  pconn,
		ConnectionIDGenerator: opts.ConnectionIDGenerator,
	}
	conn, err := tr.Dial(ctx, raddr, ensureALPN(opts.TLSConfig), QUICConfig())
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("QUIC dial %s: %w", raddr, err)
	}

	return &ClientConn{Conn: conn, tr: tr}, nil
}

// ListenOptions configures the relay's tunnel listener.
type ListenOptions struct {
	// TLSConfig carries the server certificate and client CA pool.
	TLSConfig *tls.Config

	// TokenKey protects retry tokens. Derive it from a token.Minter so both
	// layers validate with the same key.
	TokenKey [32]byte

	// DisableRetry skips address validation. Test environments only; the
	// production default is retry for every unvalidated source address.
	DisableRetry bool

	// ConnectionIDGenerator supplies server-chosen connection ids.
	ConnectionIDGenerator quic.ConnectionIDGenerator
}

// Server is a listening tunnel endpoint.
type Server struct {
	Listener *quic.Listener

	tr  *quic.Transport
	udp net.PacketConn
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.Listener.Addr()
}

// Close stops accepting and releases the socket.
func (s *Server) Close() error {
	err := s.Listener.Close()
	_ = s.tr.Close()
	_ = s.udp.Close()
	return err
}

// Listen binds addr and starts a tunnel listener with stateless-retry
// address validation.
func Listen(addr string, opts ListenOptions) (*Server, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}

	key := quic.TokenGeneratorKey(opts.TokenKey)
	tr := &quic.Transport{
		Conn:                  udpConn,
		ConnectionIDGenerator: opts.ConnectionIDGenerator,
		TokenGeneratorKey:     &key,
		MaxTokenAge:           token.MaxTokenAge,
		VerifySourceAddress: func(net.Addr) bool {
			return !opts.DisableRetry
		},
	}

	ln, err := tr.Listen(ensureALPN(opts.TLSConfig), QUICConfig())
	if err != nil {
		_ = tr.Close()
		_ = udpConn.Close()
		return nil, fmt.Errorf("QUIC listen %s: %w", addr, err)
	}

	return &Server{Listener: ln, tr: tr, udp: udpConn}, nil
}

func ensureALPN(cfg *tls.Config) *tls.Config {
	if len(cfg.NextProtos) > 0 {
		return cfg
	}
	cloned := cfg.Clone()
	cloned.NextProtos = []string{protocol.ALPNProtocol}
	return cloned
}
