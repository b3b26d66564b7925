// Package main builds the tunnel engine boundary as a C shared library.
//
// Build:
//
//	go build -buildmode=c-shared -o libquicgate.so ./cmd/quicgate-ffi
//
// Every export is poll-driven and non-blocking: the host shell owns the UDP
// socket and pumps packets through qg_submit/qg_drain on its own schedule,
// while application datagrams move through qg_send/qg_recv. Handles are
// opaque uint64 values; a stale handle yields an error code, never a fault,
// and no Go panic ever unwinds across the boundary.
//
// All functions return a result code: 0 ok, 1 invalid handle,
// 2 not established, 3 too large, 4 closed, 5 transport error, 6 internal.
package main

/*
#include <stdint.h>
#include <stddef.h>
*/
import "C"

import (
	"net"
	"strings"
	"sync"
	"unsafe"

	"github.com/quicgate/quicgate/internal/engine"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	tableOnce sync.Once
	table     *engine.Table

	// pending buffers datagrams already drained from an engine so qg_recv
	// can hand them out one at a time.
	pendingMu sync.Mutex
	pending   map[engine.Handle][][]byte
)

func engines() *engine.Table {
	tableOnce.Do(func() {
		table = engine.NewTable(logging.NopLogger())
		pending = make(map[engine.Handle][][]byte)
	})
	return table
}

// cstr converts a possibly-NULL C string.
func cstr(p *C.char) string {
	if p == nil {
		return ""
	}
	return C.GoString(p)
}

func goBytes(buf *C.uint8_t, n C.size_t) []byte {
	if buf == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(buf), int(n))
}

// copyOut writes src into the caller's buffer. Returns false when the buffer
// is too small; outLen then carries the required size.
func copyOut(dst *C.uint8_t, capacity C.size_t, outLen *C.size_t, src []byte) bool {
	if outLen != nil {
		*outLen = C.size_t(len(src))
	}
	if len(src) == 0 {
		return true
	}
	if dst == nil || int(capacity) < len(src) {
		return false
	}
	copy(unsafe.Slice((*byte)(dst), len(src)), src)
	return true
}

// qg_open dials a tunnel to the relay and returns its handle via out_handle.
// services is a comma-separated list of service ids to register.
//
//export qg_open
func qg_open(relayAddr, certFile, keyFile, caFile *C.char, insecureSkipVerify C.int, services *C.char, outHandle *C.uint64_t) C.int32_t {
	if relayAddr == nil || outHandle == nil {
		return C.int32_t(engine.ResultTransport)
	}

	raddr, err := net.ResolveUDPAddr("udp4", cstr(relayAddr))
	if err != nil {
		return C.int32_t(engine.ResultTransport)
	}
	tlsCfg, err := transport.LoadClientTLSConfig(
		cstr(certFile), cstr(keyFile), cstr(caFile),
		insecureSkipVerify != 0)
	if err != nil {
		return C.int32_t(engine.ResultTransport)
	}

	var svcs []string
	for _, svc := range strings.Split(cstr(services), ",") {
		if svc = strings.TrimSpace(svc); svc != "" {
			svcs = append(svcs, svc)
		}
	}

	h, rc := engines().Open(engine.Config{
		RemoteAddr: raddr,
		TLSConfig:  tlsCfg,
		Services:   svcs,
	})
	if rc != engine.ResultOK {
		return C.int32_t(rc)
	}
	*outHandle = C.uint64_t(h)
	return C.int32_t(engine.ResultOK)
}

// qg_submit feeds one UDP packet received from the relay into the engine.
//
//export qg_submit
func qg_submit(h C.uint64_t, buf *C.uint8_t, length C.size_t) C.int32_t {
	return C.int32_t(engines().Submit(engine.Handle(h), goBytes(buf, length)))
}

// qg_drain copies at most one outgoing UDP packet into buf. out_len is zero
// when nothing is pending.
//
//export qg_drain
func qg_drain(h C.uint64_t, buf *C.uint8_t, capacity C.size_t, outLen *C.size_t) C.int32_t {
	if buf == nil || outLen == nil {
		return C.int32_t(engine.ResultTooLarge)
	}
	n, rc := engines().Drain(engine.Handle(h), unsafe.Slice((*byte)(buf), int(capacity)))
	*outLen = C.size_t(n)
	return C.int32_t(rc)
}

// qg_send queues one application datagram for the tunnel.
//
//export qg_send
func qg_send(h C.uint64_t, buf *C.uint8_t, length C.size_t) C.int32_t {
	return C.int32_t(engines().Send(engine.Handle(h), goBytes(buf, length)))
}

// qg_recv copies the next received application datagram into buf. out_len is
// zero when the queue is empty; out_dropped accumulates datagrams lost to
// queue overflow since the previous call.
//
//export qg_recv
func qg_recv(h C.uint64_t, buf *C.uint8_t, capacity C.size_t, outLen *C.size_t, outDropped *C.uint64_t) C.int32_t {
	t := engines()
	handle := engine.Handle(h)

	pendingMu.Lock()
	defer pendingMu.Unlock()

	if outDropped != nil {
		*outDropped = 0
	}
	if len(pending[handle]) == 0 {
		datagrams, dropped, rc := t.Recv(handle)
		if rc != engine.ResultOK {
			return C.int32_t(rc)
		}
		pending[handle] = datagrams
		if outDropped != nil {
			*outDropped = C.uint64_t(dropped)
		}
	}

	queue := pending[handle]
	if len(queue) == 0 {
		if outLen != nil {
			*outLen = 0
		}
		return C.int32_t(engine.ResultOK)
	}
	if !copyOut(buf, capacity, outLen, queue[0]) {
		return C.int32_t(engine.ResultTooLarge)
	}
	pending[handle] = queue[1:]
	return C.int32_t(engine.ResultOK)
}

// qg_state reports the engine lifecycle state: 0 idle, 1 handshaking,
// 2 established, 3 closing, 4 closed, 5 error.
//
//export qg_state
func qg_state(h C.uint64_t, outState *C.int32_t) C.int32_t {
	s, rc := engines().State(engine.Handle(h))
	if rc == engine.ResultOK && outState != nil {
		*outState = C.int32_t(s)
	}
	return C.int32_t(rc)
}

// qg_last_error copies the most recent fatal error message into buf as a
// NUL-terminated string, truncating to fit. out_len carries the full length.
//
//export qg_last_error
func qg_last_error(h C.uint64_t, buf *C.char, capacity C.size_t, outLen *C.size_t) C.int32_t {
	msg, rc := engines().LastError(engine.Handle(h))
	if rc != engine.ResultOK {
		return C.int32_t(rc)
	}
	if outLen != nil {
		*outLen = C.size_t(len(msg))
	}
	if buf != nil && capacity > 0 {
		out := unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(capacity))
		n := copy(out[:capacity-1], msg)
		out[n] = 0
	}
	return C.int32_t(engine.ResultOK)
}

// qg_close shuts the tunnel down and invalidates the handle.
//
//export qg_close
func qg_close(h C.uint64_t, code C.uint64_t, reason *C.char) C.int32_t {
	handle := engine.Handle(h)

	pendingMu.Lock()
	if pending != nil {
		delete(pending, handle)
	}
	pendingMu.Unlock()

	return C.int32_t(engines().Close(handle, uint64(code), cstr(reason)))
}

// qg_close_all tears down every live tunnel. Call before unloading the
// library.
//
//export qg_close_all
func qg_close_all() {
	engines().CloseAll(0, "library unloading")

	pendingMu.Lock()
	pending = make(map[engine.Handle][][]byte)
	pendingMu.Unlock()
}

// main is required for c-shared buildmode but is never called when loaded as
// a library.
func main() {}
