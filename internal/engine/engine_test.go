package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quicgate/quicgate/internal/certutil"
	"github.com/quicgate/quicgate/internal/cid"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/token"
	"github.com/quicgate/quicgate/internal/transport"
)

// testPKI generates a CA, relay server cert and connector client cert.
func testPKI(t *testing.T) (ca, server, client *certutil.GeneratedCert) {
	t.Helper()

	ca, err := certutil.GenerateCA("Test CA", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	server, err = certutil.GenerateRelayCert("localhost", 24*time.Hour, ca)
	if err != nil {
		t.Fatalf("GenerateRelayCert: %v", err)
	}
	client, err = certutil.GenerateConnectorCert("connector-1", []string{"echo"}, 24*time.Hour, ca)
	if err != nil {
		t.Fatalf("GenerateConnectorCert: %v", err)
	}
	return ca, server, client
}

// startRelay runs a test relay that hands each accepted connection to handle.
func startRelay(t *testing.T, handle func(ctx context.Context, conn quic.Connection)) (*net.UDPAddr, *tls.Config) {
	t.Helper()

	ca, server, client := testPKI(t)
	serverCert, err := server.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(ca.Certificate)

	minter, err := token.NewMinter(nil)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	srv, err := transport.Listen("127.0.0.1:0", transport.ListenOptions{
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientCAs:    clientCAs,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS13,
		},
		TokenKey:              minter.TransportKey(),
		ConnectionIDGenerator: cid.NewGenerator(8),
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	go func() {
		for {
			conn, err := srv.Listener.Accept(ctx)
			if err != nil {
				return
			}
			go handle(ctx, conn)
		}
	}()

	clientCert, err := client.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate)
	clientTLS := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      roots,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS13,
	}

	return srv.Addr().(*net.UDPAddr), clientTLS
}

// ackingRelay acknowledges every registration and echoes everything else.
func ackingRelay(ctx context.Context, conn quic.Connection) {
	for {
		buf, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(buf) == 0 {
			continue
		}
		if buf[0] == protocol.FrameRegister {
			reg, err := protocol.DecodeRegistration(buf)
			if err != nil {
				continue
			}
			reply, _ := (&protocol.RegistrationReply{Ack: true, ServiceID: reg.ServiceID}).Encode()
			_ = conn.SendDatagram(reply)
			continue
		}
		_ = conn.SendDatagram(buf)
	}
}

// dialEngine starts an engine against the relay and pumps its boundary over
// a real UDP socket, standing in for the host shell's poll loop.
func dialEngine(t *testing.T, remote *net.UDPAddr, tlsCfg *tls.Config, cfg Config) *Engine {
	t.Helper()

	cfg.RemoteAddr = remote
	cfg.TLSConfig = tlsCfg
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sock, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() {
		e.Close(0, "test done")
		sock.Close()
	})

	go func() {
		buf := make([]byte, PacketBufSize)
		for {
			n, _, err := sock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if e.SubmitIncomingPacket(buf[:n]) != nil {
				return
			}
		}
	}()
	go func() {
		buf := make([]byte, PacketBufSize)
		for {
			n, err := e.DrainOutgoingPacket(buf)
			if err != nil {
				return
			}
			if n == 0 {
				if e.State() == StateClosed || e.State() == StateError {
					return
				}
				time.Sleep(time.Millisecond)
				continue
			}
			if _, err := sock.WriteToUDP(buf[:n], remote); err != nil {
				return
			}
		}
	}()

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func netipAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	a, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateIdle:        "idle",
		StateHandshaking: "handshaking",
		StateEstablished: "established",
		StateClosing:     "closing",
		StateClosed:      "closed",
		StateError:       "error",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s, want)
		}
	}
	regs := map[RegState]string{
		RegUnregistered: "unregistered",
		RegAwaitingAck:  "awaiting_ack",
		RegActive:       "active",
		RegFailed:       "failed",
	}
	for s, want := range regs {
		if s.String() != want {
			t.Errorf("RegState(%d).String() = %q, want %q", s, s, want)
		}
	}
}

func TestBoundaryConnQueueing(t *testing.T) {
	c := newBoundaryConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433})
	buf := make([]byte, PacketBufSize)

	// Nothing pending: Done, not an error.
	if n, err := c.drain(buf); n != 0 || err != nil {
		t.Fatalf("drain empty = (%d, %v), want (0, nil)", n, err)
	}

	if _, err := c.WriteTo([]byte("outbound"), c.remote); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if _, err := c.drain(make([]byte, 2)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short drain err = %v, want ErrShortBuffer", err)
	}
	// The packet survives a short-buffer drain.
	n, err := c.drain(buf)
	if err != nil || string(buf[:n]) != "outbound" {
		t.Fatalf("drain = (%q, %v), want outbound", buf[:n], err)
	}

	if err := c.submit([]byte("inbound")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	n, addr, err := c.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "inbound" {
		t.Fatalf("ReadFrom = (%q, %v)", buf[:n], err)
	}
	if addr.String() != "127.0.0.1:4433" {
		t.Errorf("source addr = %v", addr)
	}

	if err := c.submit(make([]byte, PacketBufSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("oversized submit err = %v, want ErrPacketTooLarge", err)
	}

	c.Close()
	if err := c.submit([]byte("late")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("submit after close err = %v, want ErrEngineClosed", err)
	}
	if _, _, err := c.ReadFrom(buf); !errors.Is(err, net.ErrClosed) {
		t.Errorf("ReadFrom after close err = %v, want net.ErrClosed", err)
	}
}

func TestBoundaryConnDeadlineWakesBlockedReader(t *testing.T) {
	c := newBoundaryConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433})
	defer c.Close()

	// Park a reader with no deadline, the way the QUIC read loop sits
	// between packets.
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, PacketBufSize)
		_, _, err := c.ReadFrom(buf)
		errCh <- err
	}()

	// Give the reader time to reach its select before moving the deadline.
	time.Sleep(20 * time.Millisecond)
	if err := c.SetReadDeadline(time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Errorf("ReadFrom err = %v, want os.ErrDeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrom still blocked after the deadline moved into the past")
	}
}

func TestBoundaryConnDeadlineExtendedWhileParked(t *testing.T) {
	c := newBoundaryConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433})
	defer c.Close()

	if err := c.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, PacketBufSize)
		_, _, err := c.ReadFrom(buf)
		errCh <- err
	}()

	// Push the deadline out, then satisfy the read before the original
	// deadline would have fired.
	time.Sleep(20 * time.Millisecond)
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := c.submit([]byte("after-extend")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ReadFrom err = %v, want packet delivery", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrom never returned after the deadline was extended")
	}
}

func TestEngineCloseReturnsPromptly(t *testing.T) {
	remote, tlsCfg := startRelay(t, ackingRelay)
	e := dialEngine(t, remote, tlsCfg, Config{Services: []string{"echo"}})

	waitFor(t, 5*time.Second, func() bool {
		return e.State() == StateEstablished
	}, "engine never established")

	// Close tears down the QUIC transport, whose listen goroutine sits in a
	// boundary read between packets. It must come back without the host
	// shell pumping anything further.
	done := make(chan error, 1)
	go func() { done <- e.Close(0, "shutting down") }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if e.State() != StateClosed {
		t.Errorf("state after close = %v", e.State())
	}
}

func TestRecvQueueDropsOldest(t *testing.T) {
	q := newRecvQueue()
	for i := 0; i < RecvQueueDepth+3; i++ {
		q.push([]byte{byte(i)})
	}

	out, dropped := q.drain()
	if len(out) != RecvQueueDepth {
		t.Fatalf("len = %d, want %d", len(out), RecvQueueDepth)
	}
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	// The three oldest entries went first.
	if out[0][0] != 3 {
		t.Errorf("head = %d, want 3", out[0][0])
	}

	if out, dropped := q.drain(); len(out) != 0 || dropped != 0 {
		t.Error("drain must reset the queue and the drop counter")
	}
}

func TestEngineHandshakeRegistrationAndEcho(t *testing.T) {
	remote, tlsCfg := startRelay(t, ackingRelay)
	e := dialEngine(t, remote, tlsCfg, Config{Services: []string{"echo"}})

	waitFor(t, 5*time.Second, func() bool {
		return e.State() == StateEstablished
	}, "engine never established")
	waitFor(t, 5*time.Second, func() bool {
		return e.RegistrationState("echo") == RegActive
	}, "registration never acknowledged")

	frame, err := (&protocol.RoutedDatagram{ServiceID: "echo", Payload: []byte("ping")}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := e.SendDatagram(frame); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}

	var got []byte
	waitFor(t, 5*time.Second, func() bool {
		datagrams, _ := e.RecvDatagrams()
		for _, d := range datagrams {
			got = d
		}
		return got != nil
	}, "echo never arrived")

	rd, err := protocol.DecodeRoutedDatagram(got)
	if err != nil {
		t.Fatalf("DecodeRoutedDatagram: %v", err)
	}
	if rd.ServiceID != "echo" || string(rd.Payload) != "ping" {
		t.Errorf("echoed (%q, %q)", rd.ServiceID, rd.Payload)
	}

	if err := e.Close(0, "done"); err != nil {
		t.Errorf("Close: %v", err)
	}
	if e.State() != StateClosed {
		t.Errorf("state after close = %v", e.State())
	}
}

func TestEngineSendBeforeEstablished(t *testing.T) {
	e, err := New(Config{
		RemoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9},
		TLSConfig:  &tls.Config{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(0, "test done")

	if err := e.SendDatagram([]byte("early")); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("err = %v, want ErrNotEstablished", err)
	}
}

func TestEngineSendTooLarge(t *testing.T) {
	remote, tlsCfg := startRelay(t, ackingRelay)
	e := dialEngine(t, remote, tlsCfg, Config{})

	waitFor(t, 5*time.Second, func() bool {
		return e.State() == StateEstablished
	}, "engine never established")

	// One byte over the maximum is rejected, never truncated.
	if err := e.SendDatagram(make([]byte, protocol.MaxDatagramSize+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
	if err := e.SendDatagram(make([]byte, protocol.MaxDatagramSize)); errors.Is(err, ErrTooLarge) {
		t.Errorf("maximum-size datagram rejected: %v", err)
	}
}

func TestEngineRegistrationNack(t *testing.T) {
	remote, tlsCfg := startRelay(t, func(ctx context.Context, conn quic.Connection) {
		for {
			buf, err := conn.ReceiveDatagram(ctx)
			if err != nil {
				return
			}
			if len(buf) > 0 && buf[0] == protocol.FrameRegister {
				reg, err := protocol.DecodeRegistration(buf)
				if err != nil {
					continue
				}
				reply, _ := (&protocol.RegistrationReply{
					Ack: false, Status: 1, ServiceID: reg.ServiceID,
				}).Encode()
				_ = conn.SendDatagram(reply)
			}
		}
	})
	e := dialEngine(t, remote, tlsCfg, Config{Services: []string{"echo"}})

	waitFor(t, 5*time.Second, func() bool {
		return e.RegistrationState("echo") == RegFailed
	}, "nacked registration never failed")
}

func TestEngineRegistrationRetryExhaustion(t *testing.T) {
	// The relay stays silent; the engine gives up after the attempt ceiling.
	remote, tlsCfg := startRelay(t, func(ctx context.Context, conn quic.Connection) {
		for {
			if _, err := conn.ReceiveDatagram(ctx); err != nil {
				return
			}
		}
	})
	e := dialEngine(t, remote, tlsCfg, Config{
		Services:             []string{"echo"},
		RegistrationResend:   50 * time.Millisecond,
		RegistrationAttempts: 2,
	})

	waitFor(t, 5*time.Second, func() bool {
		return e.RegistrationState("echo") == RegFailed
	}, "unanswered registration never failed")
}

func TestEngineObservedAddr(t *testing.T) {
	remote, tlsCfg := startRelay(t, func(ctx context.Context, conn quic.Connection) {
		notice, _ := protocol.EncodeAddrNotice(netipAddrPort(t, "203.0.113.50:50000"))
		_ = conn.SendDatagram(notice)
		for {
			if _, err := conn.ReceiveDatagram(ctx); err != nil {
				return
			}
		}
	})
	e := dialEngine(t, remote, tlsCfg, Config{})

	waitFor(t, 5*time.Second, func() bool {
		_, ok := e.ObservedAddr()
		return ok
	}, "address notice never arrived")

	addr, _ := e.ObservedAddr()
	if addr.String() != "203.0.113.50:50000" {
		t.Errorf("observed addr = %v", addr)
	}
}

func TestHandleTableInvalidHandle(t *testing.T) {
	tbl := NewTable(nil)

	if rc := tbl.Submit(0, []byte("x")); rc != ResultInvalidHandle {
		t.Errorf("Submit(0) = %v", rc)
	}
	if _, rc := tbl.Drain(42, make([]byte, PacketBufSize)); rc != ResultInvalidHandle {
		t.Errorf("Drain(42) = %v", rc)
	}
	if rc := tbl.Send(42, []byte("x")); rc != ResultInvalidHandle {
		t.Errorf("Send(42) = %v", rc)
	}
	if _, _, rc := tbl.Recv(42); rc != ResultInvalidHandle {
		t.Errorf("Recv(42) = %v", rc)
	}
	if rc := tbl.Close(42, 0, ""); rc != ResultInvalidHandle {
		t.Errorf("Close(42) = %v", rc)
	}
}

func TestHandleTableLifecycle(t *testing.T) {
	remote, tlsCfg := startRelay(t, ackingRelay)
	tbl := NewTable(nil)

	h, rc := tbl.Open(Config{RemoteAddr: remote, TLSConfig: tlsCfg})
	if rc != ResultOK || h == 0 {
		t.Fatalf("Open = (%d, %v)", h, rc)
	}

	if s, rc := tbl.State(h); rc != ResultOK || s == StateClosed {
		t.Errorf("State = (%v, %v)", s, rc)
	}
	// Too-large packets surface as a typed code, not a fault.
	if rc := tbl.Submit(h, make([]byte, PacketBufSize+1)); rc != ResultTooLarge {
		t.Errorf("oversized Submit = %v", rc)
	}

	if rc := tbl.Close(h, 0, "done"); rc != ResultOK {
		t.Errorf("Close = %v", rc)
	}
	// A destroyed handle is invalid from then on.
	if rc := tbl.Send(h, []byte("x")); rc != ResultInvalidHandle {
		t.Errorf("Send after close = %v", rc)
	}
}

func TestHandleTableOpenRejectsBadConfig(t *testing.T) {
	tbl := NewTable(nil)
	if h, rc := tbl.Open(Config{}); rc == ResultOK || h != 0 {
		t.Errorf("Open(empty) = (%d, %v), want failure", h, rc)
	}
}

func TestResultCodeStrings(t *testing.T) {
	codes := map[ResultCode]string{
		ResultOK:             "ok",
		ResultInvalidHandle:  "invalid_handle",
		ResultNotEstablished: "not_established",
		ResultTooLarge:       "too_large",
		ResultClosed:         "closed",
		ResultTransport:      "transport_error",
		ResultInternal:       "internal_error",
	}
	for c, want := range codes {
		if c.String() != want {
			t.Errorf("ResultCode(%d).String() = %q, want %q", c, c, want)
		}
	}
}
