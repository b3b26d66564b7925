package engine

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// packetQueueDepth bounds both boundary packet queues. The queues model
	// a UDP socket buffer: overflow loses packets and QUIC recovers.
	packetQueueDepth = 512

	// PacketBufSize is the scratch size for one transport datagram. Callers
	// of DrainOutgoingPacket must supply a buffer at least this large.
	PacketBufSize = 1500
)

var (
	// ErrEngineClosed is returned by boundary calls after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrShortBuffer is returned when a drain buffer cannot hold the
	// pending packet. The packet stays queued.
	ErrShortBuffer = errors.New("drain buffer too small")

	// ErrPacketTooLarge is returned when a submitted packet exceeds the
	// boundary scratch size.
	ErrPacketTooLarge = errors.New("packet exceeds boundary buffer size")
)

// packetBuf is a reusable scratch region carrying one transport datagram
// across the boundary. Buffers cycle through a pool so steady-state polling
// does not allocate per call.
type packetBuf struct {
	buf  [PacketBufSize]byte
	n    int
	addr net.Addr
}

var packetPool = sync.Pool{
	New: func() any { return new(packetBuf) },
}

// boundaryConn is the in-memory packet socket the QUIC session runs over.
// The host shell feeds received transport datagrams in through the engine's
// SubmitIncomingPacket and drains datagrams to send through
// DrainOutgoingPacket; the QUIC transport sees an ordinary net.PacketConn.
type boundaryConn struct {
	local  *net.UDPAddr
	remote *net.UDPAddr

	// rx carries submitted packets to the QUIC read loop. Overflow drops
	// the incoming packet, like a full socket receive buffer.
	rx chan *packetBuf

	// tx holds packets the session wants sent, oldest first. Overflow
	// drops the oldest entry; nobody blocks on this side.
	txMu sync.Mutex
	tx   []*packetBuf

	// deadlineCh is closed and replaced whenever the read deadline changes,
	// waking any ReadFrom parked in its select so it re-arms against the new
	// deadline. quic-go moves the deadline on a conn with a blocked reader
	// during shutdown; storing the time alone would leave that reader parked.
	deadlineMu   sync.Mutex
	readDeadline time.Time
	deadlineCh   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newBoundaryConn(remote *net.UDPAddr) *boundaryConn {
	return &boundaryConn{
		local:      &net.UDPAddr{IP: net.IPv4zero, Port: 0},
		remote:     remote,
		rx:         make(chan *packetBuf, packetQueueDepth),
		deadlineCh: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// submit copies one received transport datagram into the receive queue.
func (c *boundaryConn) submit(p []byte) error {
	if len(p) > PacketBufSize {
		return ErrPacketTooLarge
	}
	select {
	case <-c.closed:
		return ErrEngineClosed
	default:
	}

	pkt := packetPool.Get().(*packetBuf)
	pkt.n = copy(pkt.buf[:], p)
	pkt.addr = c.remote

	select {
	case c.rx <- pkt:
	default:
		// Receive queue full. Drop, as a saturated socket buffer would.
		packetPool.Put(pkt)
	}
	return nil
}

// drain copies the oldest pending outgoing packet into buf. n == 0 with a
// nil error means nothing is pending.
func (c *boundaryConn) drain(buf []byte) (int, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if len(c.tx) == 0 {
		return 0, nil
	}
	pkt := c.tx[0]
	if len(buf) < pkt.n {
		return 0, ErrShortBuffer
	}
	c.tx[0] = nil
	c.tx = c.tx[1:]

	n := copy(buf, pkt.buf[:pkt.n])
	packetPool.Put(pkt)
	return n, nil
}

// ReadFrom blocks until a submitted packet, the read deadline, or Close.
func (c *boundaryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		// Deliver already-queued packets even while closing.
		select {
		case pkt := <-c.rx:
			return c.deliver(p, pkt)
		default:
		}

		c.deadlineMu.Lock()
		deadline := c.readDeadline
		changed := c.deadlineCh
		c.deadlineMu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case pkt := <-c.rx:
			if timer != nil {
				timer.Stop()
			}
			return c.deliver(p, pkt)
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-changed:
			// Deadline moved while parked; re-arm against the new value.
			if timer != nil {
				timer.Stop()
			}
		case <-c.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, net.ErrClosed
		}
	}
}

func (c *boundaryConn) deliver(p []byte, pkt *packetBuf) (int, net.Addr, error) {
	n := copy(p, pkt.buf[:pkt.n])
	addr := pkt.addr
	packetPool.Put(pkt)
	return n, addr, nil
}

// WriteTo queues one packet for the host shell to drain.
func (c *boundaryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if len(p) > PacketBufSize {
		return 0, ErrPacketTooLarge
	}

	pkt := packetPool.Get().(*packetBuf)
	pkt.n = copy(pkt.buf[:], p)
	pkt.addr = addr

	c.txMu.Lock()
	if len(c.tx) >= packetQueueDepth {
		old := c.tx[0]
		c.tx[0] = nil
		c.tx = c.tx[1:]
		packetPool.Put(old)
	}
	c.tx = append(c.tx, pkt)
	c.txMu.Unlock()
	return len(p), nil
}

func (c *boundaryConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *boundaryConn) LocalAddr() net.Addr { return c.local }

func (c *boundaryConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *boundaryConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	close(c.deadlineCh)
	c.deadlineCh = make(chan struct{})
	c.deadlineMu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: writes never block on the in-memory queue.
func (c *boundaryConn) SetWriteDeadline(time.Time) error { return nil }
